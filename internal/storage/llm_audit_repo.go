package storage

import (
	"context"
	"fmt"

	"ragengine/internal/models"
)

const llmCallSchema = `
CREATE TABLE IF NOT EXISTS rag_llm_calls (
  call_id     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  operation   TEXT NOT NULL,
  collection  TEXT,
  provider    TEXT NOT NULL,
  model       TEXT NOT NULL,
  request_id  TEXT,
  status      TEXT NOT NULL,
  error_type  TEXT,
  latency_ms  BIGINT NOT NULL DEFAULT 0,
  citations   INT NOT NULL DEFAULT 0,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

type LLMAuditRepo struct {
	db *DB
}

func NewLLMAuditRepo(db *DB) *LLMAuditRepo {
	return &LLMAuditRepo{db: db}
}

func (r *LLMAuditRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, llmCallSchema); err != nil {
		return fmt.Errorf("ensure llm call schema: %w", err)
	}
	return nil
}

func (r *LLMAuditRepo) RecordCall(ctx context.Context, rec models.LLMCall) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO rag_llm_calls(call_id, operation, collection, provider, model, request_id, status, error_type, latency_ms, citations)
VALUES (COALESCE(NULLIF($1,'')::uuid, gen_random_uuid()), $2, NULLIF($3,''), $4, $5, NULLIF($6,''), $7, NULLIF($8,''), $9, $10)`,
		rec.CallID, rec.Operation, rec.Collection, rec.Provider, rec.Model, rec.RequestID, rec.Status, rec.ErrorType, rec.LatencyMS, rec.Citations)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}
