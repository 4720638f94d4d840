package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusIndexed    DocumentStatus = "indexed"
	StatusFailed     DocumentStatus = "failed"
)

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusIndexed, StatusFailed},
	StatusIndexed:    {StatusPending},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a document may move from s to next.
// Re-ingestion always enters through pending.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s DocumentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

type Document struct {
	DocumentID  string         `json:"document_id"`
	Collection  string         `json:"collection"`
	Filename    string         `json:"filename"`
	Format      string         `json:"format"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	EmbedModel  string         `json:"embed_model,omitempty"`
	FailStage   string         `json:"fail_stage,omitempty"`
	FailReason  string         `json:"fail_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	IndexedAt   *time.Time     `json:"indexed_at,omitempty"`
}

// DocumentID derives the default id for a file uploaded into a collection.
// The id depends only on the name, so a changed file re-ingests in place.
func DocumentID(collection, filename string) string {
	h := sha256.Sum256([]byte(collection + "\x00" + filename))
	return hex.EncodeToString(h[:])[:32]
}

type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s#%d", documentID, seq)
}

// ParseChunkID splits a chunk id back into its document id and sequence.
func ParseChunkID(id string) (string, int, bool) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(id[i+1:])
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return id[:i], seq, true
}

type RetrievalResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Seq        int     `json:"seq"`
	Filename   string  `json:"filename,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Seq        int     `json:"seq"`
	Filename   string  `json:"filename,omitempty"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

type Answer struct {
	Text       string     `json:"text"`
	Citations  []Citation `json:"citations"`
	Grounded   bool       `json:"grounded"`
	Model      string     `json:"model"`
	EmbedModel string     `json:"embed_model"`
	Collection string     `json:"collection"`
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CollectionStats struct {
	Name       string `json:"name"`
	EmbedModel string `json:"embed_model"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`
	Count      int    `json:"count"`
	Documents  int    `json:"documents"`
}

// LLMCall is one audited generation or embedding call made on behalf of a
// query.
type LLMCall struct {
	CallID     string    `json:"call_id"`
	Operation  string    `json:"operation"`
	Collection string    `json:"collection"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"`
	ErrorType  string    `json:"error_type,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Citations  int       `json:"citations"`
	CreatedAt  time.Time `json:"created_at"`
}
