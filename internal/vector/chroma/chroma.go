package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragengine/internal/ragerr"
	"ragengine/internal/vector"
)

const (
	metaModel     = "embed_model"
	metaDimension = "dimension"
	metaSpace     = "hnsw:space"
	metaDocument  = "document_id"
	metaSeq       = "seq"
)

// Gateway talks to a Chroma server over its v1 REST API. Collection ids are
// resolved by name once and cached until the collection is dropped.
type Gateway struct {
	base string
	http *http.Client

	mu  sync.RWMutex
	ids map[string]collectionRef
}

type collectionRef struct {
	id     string
	schema vector.Schema
}

var _ vector.Gateway = (*Gateway)(nil)

func New(baseURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		ids:  map[string]collectionRef{},
	}
}

type apiCollection struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode chroma request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return fmt.Errorf("build chroma request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", ragerr.ErrCollectionUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))

	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 400 && strings.Contains(string(raw), "does not exist")) {
		return fmt.Errorf("%w: %s", ragerr.ErrCollectionNotFound, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: chroma %s %s returned %d: %s", ragerr.ErrCollectionUnavailable, method, path, resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode >= 400 {
		if strings.Contains(strings.ToLower(string(raw)), "dimension") {
			return fmt.Errorf("%w: %s", ragerr.ErrDimensionMismatch, truncate(raw))
		}
		return fmt.Errorf("chroma %s %s returned %d: %s", method, path, resp.StatusCode, truncate(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode chroma response: %w", err)
	}
	return nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

func schemaFrom(c apiCollection) vector.Schema {
	s := vector.Schema{Collection: c.Name, Metric: vector.MetricCosine}
	if v, ok := c.Metadata[metaModel].(string); ok {
		s.EmbedModel = v
	}
	switch v := c.Metadata[metaDimension].(type) {
	case float64:
		s.Dimension = int(v)
	case string:
		s.Dimension, _ = strconv.Atoi(v)
	}
	if v, ok := c.Metadata[metaSpace].(string); ok {
		if m, err := vector.ParseMetric(v); err == nil {
			s.Metric = m
		}
	}
	return s
}

func (g *Gateway) remember(c apiCollection) collectionRef {
	ref := collectionRef{id: c.ID, schema: schemaFrom(c)}
	g.mu.Lock()
	g.ids[c.Name] = ref
	g.mu.Unlock()
	return ref
}

func (g *Gateway) resolve(ctx context.Context, name string) (collectionRef, error) {
	g.mu.RLock()
	ref, ok := g.ids[name]
	g.mu.RUnlock()
	if ok {
		return ref, nil
	}
	var c apiCollection
	if err := g.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(name), nil, &c); err != nil {
		return collectionRef{}, err
	}
	if c.ID == "" {
		return collectionRef{}, fmt.Errorf("%w: %s", ragerr.ErrCollectionNotFound, name)
	}
	return g.remember(c), nil
}

func (g *Gateway) forget(name string) {
	g.mu.Lock()
	delete(g.ids, name)
	g.mu.Unlock()
}

func (g *Gateway) EnsureCollection(ctx context.Context, schema vector.Schema) (vector.Schema, error) {
	schema, err := vector.ValidateSchema(schema)
	if err != nil {
		return vector.Schema{}, err
	}
	var c apiCollection
	err = g.do(ctx, http.MethodPost, "/api/v1/collections", map[string]any{
		"name": schema.Collection,
		"metadata": map[string]any{
			metaSpace:     string(schema.Metric),
			metaModel:     schema.EmbedModel,
			metaDimension: schema.Dimension,
		},
		"get_or_create": true,
	}, &c)
	if err != nil {
		return vector.Schema{}, err
	}
	ref := g.remember(c)
	return vector.Reconcile(ref.schema, schema)
}

func (g *Gateway) Collection(ctx context.Context, name string) (vector.Schema, error) {
	ref, err := g.resolve(ctx, name)
	if err != nil {
		return vector.Schema{}, err
	}
	return ref.schema, nil
}

func (g *Gateway) Upsert(ctx context.Context, collection string, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return err
	}
	ids := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	metadatas := make([]map[string]any, len(entries))
	documents := make([]string, len(entries))
	for i, e := range entries {
		if err := vector.CheckDimension(ref.schema, e.Vector); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
		meta := map[string]any{metaDocument: e.DocumentID, metaSeq: e.Seq}
		for k, v := range e.Metadata {
			meta[k] = v
		}
		ids[i] = e.ChunkID
		embeddings[i] = e.Vector
		metadatas[i] = meta
		documents[i] = e.Text
	}
	return g.do(ctx, http.MethodPost, "/api/v1/collections/"+ref.id+"/upsert", map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"metadatas":  metadatas,
		"documents":  documents,
	}, nil)
}

func where(documentIDs []string) map[string]any {
	switch len(documentIDs) {
	case 0:
		return nil
	case 1:
		return map[string]any{metaDocument: documentIDs[0]}
	}
	return map[string]any{metaDocument: map[string]any{"$in": documentIDs}}
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Distances [][]float64        `json:"distances"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Documents [][]string         `json:"documents"`
}

// score maps a Chroma distance onto a higher-is-closer similarity. Chroma's
// "ip" space reports 1 - dot.
func score(m vector.Metric, distance float64) float64 {
	switch m {
	case vector.MetricL2:
		return -distance
	default:
		return 1 - distance
	}
}

func (g *Gateway) Query(ctx context.Context, collection string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := vector.CheckDimension(ref.schema, vec); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"query_embeddings": [][]float32{vec},
		"n_results":        topK,
		"include":          []string{"metadatas", "documents", "distances"},
	}
	if w := where(filter.DocumentIDs); w != nil {
		req["where"] = w
	}
	var resp queryResponse
	if err := g.do(ctx, http.MethodPost, "/api/v1/collections/"+ref.id+"/query", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	out := make([]vector.Match, 0, len(resp.IDs[0]))
	for i, id := range resp.IDs[0] {
		m := vector.Match{ChunkID: id, Metadata: map[string]string{}}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			m.Score = score(ref.schema.Metric, resp.Distances[0][i])
		}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			m.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			for k, v := range resp.Metadatas[0][i] {
				switch k {
				case metaDocument:
					m.DocumentID, _ = v.(string)
				case metaSeq:
					if f, ok := v.(float64); ok {
						m.Seq = int(f)
					}
				default:
					m.Metadata[k] = fmt.Sprint(v)
				}
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (g *Gateway) DeleteDocument(ctx context.Context, collection, documentID string) error {
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return err
	}
	return g.do(ctx, http.MethodPost, "/api/v1/collections/"+ref.id+"/delete", map[string]any{
		"where": where([]string{documentID}),
	}, nil)
}

func (g *Gateway) DeleteChunks(ctx context.Context, collection string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return err
	}
	return g.do(ctx, http.MethodPost, "/api/v1/collections/"+ref.id+"/delete", map[string]any{"ids": chunkIDs}, nil)
}

func (g *Gateway) ChunkIDs(ctx context.Context, collection, documentID string) ([]string, error) {
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	err = g.do(ctx, http.MethodPost, "/api/v1/collections/"+ref.id+"/get", map[string]any{
		"where":   where([]string{documentID}),
		"include": []string{},
	}, &resp)
	if err != nil {
		return nil, err
	}
	sort.Strings(resp.IDs)
	return resp.IDs, nil
}

func (g *Gateway) Count(ctx context.Context, collection string) (int, error) {
	ref, err := g.resolve(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := g.do(ctx, http.MethodGet, "/api/v1/collections/"+ref.id+"/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (g *Gateway) DropCollection(ctx context.Context, collection string) error {
	defer g.forget(collection)
	err := g.do(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(collection), nil, nil)
	if errors.Is(err, ragerr.ErrCollectionNotFound) {
		return nil
	}
	return err
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil)
}
