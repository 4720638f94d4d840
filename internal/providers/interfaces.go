package providers

import (
	"context"
	"time"
)

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

type GenerateRequest struct {
	Operation string `json:"operation"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
}

type GenerateResponse struct {
	Text string `json:"text"`
}

type EmbedRequest struct {
	Operation string   `json:"operation"`
	Inputs    []string `json:"inputs"`
}

type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error)
}

// EmbeddingProvider returns one vector per input, in input order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error)
	// Model identifies the embedding space. Vectors from different models
	// must never share a collection.
	Model() string
}

// Pinger is implemented by providers that expose a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ModelManager is implemented by backends that host their own models.
type ModelManager interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	PullModel(ctx context.Context, name string, progress func(status string, completed, total int64)) error
}
