package providers

import (
	"fmt"
	"os"
	"time"

	"ragengine/internal/config"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// NewEmbedder builds the single embedding provider named by RAG_EMBED_PROVIDER.
// There is no failover list: switching embedding models mid-collection would
// mix vector spaces.
func NewEmbedder(cfg config.Config) (EmbeddingProvider, error) {
	ref := ParseProviderRef(cfg.EmbedProvider)
	timeout := time.Duration(cfg.EmbedTimeoutSecs) * time.Second
	switch ref.Name {
	case "mock":
		return NewMockProvider(cfg.EmbedDim), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, ref.Model, timeout)
	case "openai":
		model := ref.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIProvider("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ref.Raw)
	}
}

func NewGenerator(cfg config.Config) (LLMProvider, error) {
	ref := ParseProviderRef(cfg.LLMProvider)
	timeout := time.Duration(cfg.LLMTimeoutSecs) * time.Second
	switch ref.Name {
	case "mock":
		return NewMockProvider(cfg.EmbedDim), nil
	case "ollama":
		model := ref.Model
		if model == "" {
			model = "llama"
		}
		return NewOllamaProvider(cfg.OllamaURL, model, timeout)
	case "openai":
		model := ref.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIProvider("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model, timeout), nil
	case "groq":
		model := ref.Model
		if model == "" {
			model = "llama-3.1-8b-instant"
		}
		return NewOpenAIProvider("groq", groqBaseURL, os.Getenv("GROQ_API_KEY"), model, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", ref.Raw)
	}
}
