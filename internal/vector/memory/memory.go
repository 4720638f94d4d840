package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ragengine/internal/ragerr"
	"ragengine/internal/vector"
)

// Gateway is an in-process vector index using brute-force scoring. It backs
// tests and single-node development setups.
type Gateway struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	mu      sync.RWMutex
	schema  vector.Schema
	entries map[string]vector.Entry
}

var _ vector.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{collections: map[string]*collection{}}
}

func (g *Gateway) get(name string) (*collection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ragerr.ErrCollectionNotFound, name)
	}
	return c, nil
}

func (g *Gateway) EnsureCollection(ctx context.Context, schema vector.Schema) (vector.Schema, error) {
	if err := ctx.Err(); err != nil {
		return vector.Schema{}, err
	}
	schema, err := vector.ValidateSchema(schema)
	if err != nil {
		return vector.Schema{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.collections[schema.Collection]; ok {
		return vector.Reconcile(c.schema, schema)
	}
	g.collections[schema.Collection] = &collection{schema: schema, entries: map[string]vector.Entry{}}
	return schema, nil
}

func (g *Gateway) Collection(ctx context.Context, name string) (vector.Schema, error) {
	if err := ctx.Err(); err != nil {
		return vector.Schema{}, err
	}
	c, err := g.get(name)
	if err != nil {
		return vector.Schema{}, err
	}
	return c.schema, nil
}

func (g *Gateway) Upsert(ctx context.Context, name string, entries []vector.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := g.get(name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := vector.CheckDimension(c.schema, e.Vector); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		c.entries[e.ChunkID] = e
	}
	return nil
}

func (g *Gateway) Query(ctx context.Context, name string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := g.get(name)
	if err != nil {
		return nil, err
	}
	if err := vector.CheckDimension(c.schema, vec); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	allowed := map[string]struct{}{}
	for _, id := range filter.DocumentIDs {
		allowed[id] = struct{}{}
	}
	c.mu.RLock()
	matches := make([]vector.Match, 0, len(c.entries))
	for _, e := range c.entries {
		if len(allowed) > 0 {
			if _, ok := allowed[e.DocumentID]; !ok {
				continue
			}
		}
		matches = append(matches, vector.Match{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Seq:        e.Seq,
			Text:       e.Text,
			Metadata:   e.Metadata,
			Score:      vector.Similarity(c.schema.Metric, e.Vector, vec),
		})
	}
	c.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ChunkID < matches[j].ChunkID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (g *Gateway) DeleteDocument(ctx context.Context, name, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := g.get(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.DocumentID == documentID {
			delete(c.entries, id)
		}
	}
	return nil
}

func (g *Gateway) DeleteChunks(ctx context.Context, name string, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := g.get(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range chunkIDs {
		delete(c.entries, id)
	}
	return nil
}

func (g *Gateway) ChunkIDs(ctx context.Context, name, documentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := g.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, e := range c.entries {
		if e.DocumentID == documentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *Gateway) Count(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := g.get(name)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

func (g *Gateway) DropCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.collections, name)
	return nil
}

func (g *Gateway) Ping(ctx context.Context) error { return ctx.Err() }
