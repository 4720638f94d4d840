package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ragengine/internal/models"
	"ragengine/internal/ragerr"
)

const documentSchema = `
CREATE TABLE IF NOT EXISTS rag_documents (
  document_id  TEXT PRIMARY KEY,
  collection   TEXT NOT NULL,
  filename     TEXT NOT NULL,
  format       TEXT NOT NULL,
  size_bytes   BIGINT NOT NULL DEFAULT 0,
  content_hash TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL,
  chunk_count  INT NOT NULL DEFAULT 0,
  embed_model  TEXT,
  fail_stage   TEXT,
  fail_reason  TEXT,
  raw          BYTEA,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  indexed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rag_documents_collection_idx ON rag_documents (collection, status);`

const documentColumns = `document_id, collection, filename, format, size_bytes, content_hash, status, chunk_count,
       COALESCE(embed_model,''), COALESCE(fail_stage,''), COALESCE(fail_reason,''), created_at, updated_at, indexed_at`

type DocumentRepo struct {
	db *DB
}

var _ DocumentStore = (*DocumentRepo)(nil)

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, documentSchema); err != nil {
		return fmt.Errorf("ensure document schema: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var d models.Document
	var status string
	err := row.Scan(&d.DocumentID, &d.Collection, &d.Filename, &d.Format, &d.SizeBytes, &d.ContentHash, &status, &d.ChunkCount,
		&d.EmbedModel, &d.FailStage, &d.FailReason, &d.CreatedAt, &d.UpdatedAt, &d.IndexedAt)
	d.Status = models.DocumentStatus(status)
	return d, err
}

func (r *DocumentRepo) Put(ctx context.Context, doc models.Document, raw []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO rag_documents (document_id, collection, filename, format, size_bytes, content_hash, status, chunk_count,
                           embed_model, fail_stage, fail_reason, raw, created_at, updated_at, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''), NULLIF($10,''), NULLIF($11,''), $12, COALESCE($13, NOW()), NOW(), $14)
ON CONFLICT (document_id)
DO UPDATE SET
  collection = EXCLUDED.collection,
  filename = EXCLUDED.filename,
  format = EXCLUDED.format,
  size_bytes = EXCLUDED.size_bytes,
  content_hash = EXCLUDED.content_hash,
  status = EXCLUDED.status,
  chunk_count = EXCLUDED.chunk_count,
  embed_model = EXCLUDED.embed_model,
  fail_stage = EXCLUDED.fail_stage,
  fail_reason = EXCLUDED.fail_reason,
  raw = COALESCE(EXCLUDED.raw, rag_documents.raw),
  updated_at = NOW(),
  indexed_at = EXCLUDED.indexed_at`,
		doc.DocumentID, doc.Collection, doc.Filename, doc.Format, doc.SizeBytes, doc.ContentHash, string(doc.Status), doc.ChunkCount,
		doc.EmbedModel, doc.FailStage, doc.FailReason, raw, nullTime(doc.CreatedAt), doc.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *DocumentRepo) Get(ctx context.Context, documentID string) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM rag_documents WHERE document_id=$1`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) Raw(ctx context.Context, documentID string) ([]byte, error) {
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT raw FROM rag_documents WHERE document_id=$1`, documentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get document content: %w", err)
	}
	return raw, nil
}

func (r *DocumentRepo) List(ctx context.Context, collection string, status models.DocumentStatus) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM rag_documents
WHERE ($1::text = '' OR collection = $1) AND ($2::text = '' OR status = $2)
ORDER BY created_at DESC, document_id`, collection, string(status))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// Transition locks the row so that two workers cannot both move the same
// document out of one state.
func (r *DocumentRepo) Transition(ctx context.Context, documentID string, to models.DocumentStatus, mutate func(*models.Document)) (models.Document, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return models.Document{}, fmt.Errorf("begin tx transition: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	d, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM rag_documents WHERE document_id=$1 FOR UPDATE`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("lock document: %w", err)
	}
	if err := applyTransition(&d, to, mutate, time.Now().UTC()); err != nil {
		return models.Document{}, err
	}
	_, err = tx.Exec(ctx, `
UPDATE rag_documents
SET status=$2, chunk_count=$3, embed_model=NULLIF($4,''), fail_stage=NULLIF($5,''), fail_reason=NULLIF($6,''),
    content_hash=$7, updated_at=$8, indexed_at=$9
WHERE document_id=$1`,
		d.DocumentID, string(d.Status), d.ChunkCount, d.EmbedModel, d.FailStage, d.FailReason, d.ContentHash, d.UpdatedAt, d.IndexedAt)
	if err != nil {
		return models.Document{}, fmt.Errorf("update document status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, fmt.Errorf("commit transition tx: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) Delete(ctx context.Context, documentID string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM rag_documents WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ragerr.ErrDocumentNotFound, documentID)
	}
	return nil
}
