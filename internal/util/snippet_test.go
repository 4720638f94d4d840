package util

import (
	"strings"
	"testing"
)

func TestSnippetPrefersMatchingSentence(t *testing.T) {
	chunk := "The appendix lists hardware. Latency dropped by forty percent on edge workloads. Unrelated closing remarks."
	out := Snippet(chunk, "What were the edge latency results?", 200)
	if !strings.Contains(out, "Latency dropped") {
		t.Fatalf("expected matching sentence, got %q", out)
	}
	if strings.Contains(out, "appendix") {
		t.Fatalf("unexpected unrelated sentence in %q", out)
	}
}

func TestSnippetTruncates(t *testing.T) {
	out := Snippet(strings.Repeat("word ", 100), "", 20)
	if !strings.HasSuffix(out, "...") || len([]rune(out)) > 23 {
		t.Fatalf("unexpected truncation: %q", out)
	}
	if Snippet("\x00  ", "q", 10) != "" {
		t.Fatalf("expected empty snippet for blank text")
	}
}
