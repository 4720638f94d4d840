package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"syscall"
	"testing"

	ollama "github.com/ollama/ollama/api"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"insufficient_quota":      ErrorQuota,
		"429 rate limit":          ErrorRate,
		"context length exceeded": ErrorContext,
		"i/o timeout":             ErrorTransient,
		"bad request":             ErrorPermanent,
		"service unavailable":     ErrorUnavailable,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Fatalf("classify %q: got %s want %s", msg, got, want)
		}
	}
}

func TestClassifyTypedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorType
	}{
		{fmt.Errorf("embed: %w", context.DeadlineExceeded), ErrorTimeout},
		{context.Canceled, ErrorCanceled},
		{&HTTPStatusError{Provider: "openai", StatusCode: 503}, ErrorTransient},
		{&HTTPStatusError{Provider: "openai", StatusCode: 400, Body: "input too long"}, ErrorPermanent},
		{&HTTPStatusError{Provider: "openai", StatusCode: 429}, ErrorRate},
		{fmt.Errorf("ollama: %w", ollama.StatusError{StatusCode: 500, ErrorMessage: "model crashed"}), ErrorTransient},
		{ollama.StatusError{StatusCode: 404, ErrorMessage: "model not found"}, ErrorPermanent},
		{&url.Error{Op: "Post", URL: "http://localhost:11434", Err: syscall.ECONNREFUSED}, ErrorUnavailable},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Fatalf("classify %v: got %s want %s", tc.err, got, tc.want)
		}
	}
	if ErrorPermanent.Retryable() || !ErrorUnavailable.Retryable() {
		t.Fatalf("unexpected retryable mapping")
	}
}
