package providers

import "testing"

func TestParseProviderRef(t *testing.T) {
	ref := ParseProviderRef(" Ollama:llama3.1:8b ")
	if ref.Name != "ollama" || ref.Model != "llama3.1:8b" {
		t.Fatalf("unexpected parse result: %+v", ref)
	}
	if got := ParseProviderRef("").Name; got != "mock" {
		t.Fatalf("expected mock default, got %q", got)
	}
	if got := ParseProviderRef("mock").String(); got != "mock" {
		t.Fatalf("unexpected string form %q", got)
	}
}
