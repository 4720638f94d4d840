package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider serves embeddings, generation and model management from a
// local Ollama runtime. Embedding and generation use separate instances
// because each is bound to one model.
type OllamaProvider struct {
	client *ollama.Client
	model  string
	alias  string
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration) (*OllamaProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		client: ollama.NewClient(u, &http.Client{Timeout: timeout}),
		model:  resolveOllamaModel(model),
		alias:  model,
	}, nil
}

func (o *OllamaProvider) info() ProviderInfo {
	return ProviderInfo{Name: "ollama", Model: o.model, Key: o.alias}
}

func (o *OllamaProvider) Model() string { return "ollama:" + o.model }

func (o *OllamaProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	if len(req.Inputs) == 0 {
		return nil, o.info(), fmt.Errorf("no embedding inputs")
	}
	resp, err := o.client.Embed(ctx, &ollama.EmbedRequest{
		Model: o.model,
		Input: req.Inputs,
	})
	if err != nil {
		return nil, o.info(), fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(req.Inputs) {
		return nil, o.info(), fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(req.Inputs))
	}
	return resp.Embeddings, o.info(), nil
}

func (o *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	stream := false
	var out strings.Builder
	err := o.client.Generate(ctx, &ollama.GenerateRequest{
		Model:  o.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: &stream,
	}, func(resp ollama.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return GenerateResponse{}, o.info(), fmt.Errorf("ollama generate: %w", err)
	}
	return GenerateResponse{Text: strings.TrimSpace(out.String())}, o.info(), nil
}

func (o *OllamaProvider) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat: %w", err)
	}
	return nil
}

func (o *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, SizeBytes: m.Size, Digest: m.Digest, ModifiedAt: m.ModifiedAt})
	}
	return out, nil
}

func (o *OllamaProvider) PullModel(ctx context.Context, name string, progress func(status string, completed, total int64)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("model name is required")
	}
	err := o.client.Pull(ctx, &ollama.PullRequest{Model: name}, func(p ollama.ProgressResponse) error {
		if progress != nil {
			progress(p.Status, p.Completed, p.Total)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama pull %s: %w", name, err)
	}
	return nil
}

// resolveOllamaModel expands short aliases into model tags.
func resolveOllamaModel(alias string) string {
	switch strings.ToLower(strings.TrimSpace(alias)) {
	case "":
		return "nomic-embed-text"
	case "nomic":
		return "nomic-embed-text"
	case "bge":
		return "bge-small-en-v1.5"
	case "mxbai":
		return "mxbai-embed-large"
	case "llama":
		return "llama3.2"
	}
	return strings.TrimSpace(alias)
}
