package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgv "github.com/pgvector/pgvector-go"

	"ragengine/internal/ragerr"
	"ragengine/internal/vector"
)

// Queryer is the subset of pgxpool.Pool the gateway needs.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS rag_collections (
  name        TEXT PRIMARY KEY,
  embed_model TEXT NOT NULL,
  dimension   INT NOT NULL,
  metric      TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rag_chunks (
  collection  TEXT NOT NULL REFERENCES rag_collections(name) ON DELETE CASCADE,
  chunk_id    TEXT NOT NULL,
  document_id TEXT NOT NULL,
  seq         INT NOT NULL,
  text        TEXT NOT NULL,
  metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
  embedding   vector NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, chunk_id)
);
CREATE INDEX IF NOT EXISTS rag_chunks_document_idx ON rag_chunks (collection, document_id);`

// Gateway stores vectors in Postgres with the pgvector extension. Each
// collection is a row in rag_collections; chunk rows are keyed by
// (collection, chunk_id), so upserts are atomic per key.
type Gateway struct {
	q Queryer
}

var _ vector.Gateway = (*Gateway)(nil)

func New(q Queryer) *Gateway {
	return &Gateway{q: q}
}

// EnsureSchema creates the extension, tables and indexes if missing.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.q.Exec(ctx, schemaSQL); err != nil {
		return classify("ensure vector schema", err)
	}
	return nil
}

// classify separates connectivity failures, which are retryable, from
// statement errors reported by the server.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "22000" || pgErr.Code == "22023" {
			return fmt.Errorf("%s: %w: %s", op, ragerr.ErrDimensionMismatch, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ragerr.ErrCollectionUnavailable, err)
}

func (g *Gateway) EnsureCollection(ctx context.Context, schema vector.Schema) (vector.Schema, error) {
	schema, err := vector.ValidateSchema(schema)
	if err != nil {
		return vector.Schema{}, err
	}
	_, err = g.q.Exec(ctx, `
INSERT INTO rag_collections (name, embed_model, dimension, metric)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING`, schema.Collection, schema.EmbedModel, schema.Dimension, string(schema.Metric))
	if err != nil {
		return vector.Schema{}, classify("create collection", err)
	}
	stored, err := g.Collection(ctx, schema.Collection)
	if err != nil {
		return vector.Schema{}, err
	}
	return vector.Reconcile(stored, schema)
}

func (g *Gateway) Collection(ctx context.Context, name string) (vector.Schema, error) {
	var s vector.Schema
	var metric string
	err := g.q.QueryRow(ctx, `
SELECT name, embed_model, dimension, metric FROM rag_collections WHERE name=$1`, name).
		Scan(&s.Collection, &s.EmbedModel, &s.Dimension, &metric)
	if errors.Is(err, pgx.ErrNoRows) {
		return vector.Schema{}, fmt.Errorf("%w: %s", ragerr.ErrCollectionNotFound, name)
	}
	if err != nil {
		return vector.Schema{}, classify("get collection", err)
	}
	s.Metric = vector.Metric(metric)
	return s, nil
}

func (g *Gateway) Upsert(ctx context.Context, collection string, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	schema, err := g.Collection(ctx, collection)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if err := vector.CheckDimension(schema, e.Vector); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
		meta, err := json.Marshal(nonNil(e.Metadata))
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", e.ChunkID, err)
		}
		batch.Queue(`
INSERT INTO rag_chunks (collection, chunk_id, document_id, seq, text, metadata, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector, now())
ON CONFLICT (collection, chunk_id)
DO UPDATE SET
  document_id = EXCLUDED.document_id,
  seq = EXCLUDED.seq,
  text = EXCLUDED.text,
  metadata = EXCLUDED.metadata,
  embedding = EXCLUDED.embedding,
  updated_at = now()`,
			collection, e.ChunkID, e.DocumentID, e.Seq, e.Text, string(meta), pgv.NewVector(e.Vector))
	}
	if err := g.q.SendBatch(ctx, batch).Close(); err != nil {
		return classify("upsert chunks", err)
	}
	return nil
}

// distanceSQL returns the pgvector operator expression and a SQL expression
// turning that distance into a higher-is-better score.
func distanceSQL(m vector.Metric) (string, string) {
	switch m {
	case vector.MetricL2:
		return "embedding <-> $2::vector", "-(embedding <-> $2::vector)"
	case vector.MetricIP:
		return "embedding <#> $2::vector", "-(embedding <#> $2::vector)"
	default:
		return "embedding <=> $2::vector", "1 - (embedding <=> $2::vector)"
	}
}

func (g *Gateway) Query(ctx context.Context, collection string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	schema, err := g.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := vector.CheckDimension(schema, vec); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	order, score := distanceSQL(schema.Metric)
	args := []any{collection, pgv.NewVector(vec), topK}
	filterSQL := ""
	if len(filter.DocumentIDs) > 0 {
		filterSQL = " AND document_id = ANY($4)"
		args = append(args, filter.DocumentIDs)
	}
	rows, err := g.q.Query(ctx, `
SELECT chunk_id, document_id, seq, text, metadata, `+score+` AS score
FROM rag_chunks
WHERE collection = $1`+filterSQL+`
ORDER BY `+order+`, chunk_id
LIMIT $3`, args...)
	if err != nil {
		return nil, classify("query vectors", err)
	}
	defer rows.Close()
	out := make([]vector.Match, 0, topK)
	for rows.Next() {
		var m vector.Match
		var meta []byte
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Seq, &m.Text, &meta, &m.Score); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ChunkID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate vector matches", err)
	}
	return out, nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Gateway) DeleteDocument(ctx context.Context, collection, documentID string) error {
	if _, err := g.q.Exec(ctx, `DELETE FROM rag_chunks WHERE collection=$1 AND document_id=$2`, collection, documentID); err != nil {
		return classify("delete document chunks", err)
	}
	return nil
}

func (g *Gateway) DeleteChunks(ctx context.Context, collection string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := g.q.Exec(ctx, `DELETE FROM rag_chunks WHERE collection=$1 AND chunk_id = ANY($2)`, collection, chunkIDs); err != nil {
		return classify("delete chunks", err)
	}
	return nil
}

func (g *Gateway) ChunkIDs(ctx context.Context, collection, documentID string) ([]string, error) {
	rows, err := g.q.Query(ctx, `
SELECT chunk_id FROM rag_chunks WHERE collection=$1 AND document_id=$2 ORDER BY seq`, collection, documentID)
	if err != nil {
		return nil, classify("list chunk ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan chunk ids", err)
	}
	return ids, nil
}

func (g *Gateway) Count(ctx context.Context, collection string) (int, error) {
	if _, err := g.Collection(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	if err := g.q.QueryRow(ctx, `SELECT COUNT(*) FROM rag_chunks WHERE collection=$1`, collection).Scan(&n); err != nil {
		return 0, classify("count chunks", err)
	}
	return n, nil
}

func (g *Gateway) DropCollection(ctx context.Context, collection string) error {
	if _, err := g.q.Exec(ctx, `DELETE FROM rag_collections WHERE name=$1`, collection); err != nil {
		return classify("drop collection", err)
	}
	return nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.q.Ping(ctx); err != nil {
		return classify("ping postgres", err)
	}
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
