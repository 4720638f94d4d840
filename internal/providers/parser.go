package providers

import "strings"

// ProviderRef is a parsed "name:model" reference such as
// "ollama:nomic-embed-text" or "openai:text-embedding-3-small".
type ProviderRef struct {
	Raw   string
	Name  string
	Model string
}

func ParseProviderRef(raw string) ProviderRef {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProviderRef{Raw: "mock", Name: "mock"}
	}
	ref := ProviderRef{Raw: raw}
	if name, model, ok := strings.Cut(raw, ":"); ok {
		ref.Name = strings.ToLower(strings.TrimSpace(name))
		ref.Model = strings.TrimSpace(model)
	} else {
		ref.Name = strings.ToLower(raw)
	}
	return ref
}

func (r ProviderRef) String() string {
	if r.Model == "" {
		return r.Name
	}
	return r.Name + ":" + r.Model
}
