package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	ollama "github.com/ollama/ollama/api"
)

type ErrorType string

const (
	ErrorQuota       ErrorType = "quota"
	ErrorRate        ErrorType = "rate"
	ErrorTransient   ErrorType = "transient"
	ErrorUnavailable ErrorType = "unavailable"
	ErrorTimeout     ErrorType = "timeout"
	ErrorCanceled    ErrorType = "canceled"
	ErrorPermanent   ErrorType = "permanent"
	ErrorContext     ErrorType = "context"
)

// Retryable reports whether a call failing with this type may succeed later.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorRate, ErrorTransient, ErrorUnavailable, ErrorTimeout:
		return true
	}
	return false
}

// HTTPStatusError is returned by providers that speak plain HTTP.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	if code, ok := statusCode(err); ok {
		return classifyStatus(code, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	var urlErr *url.Error
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return ErrorUnavailable
	}
	return classifyMessage(err)
}

func statusCode(err error) (int, bool) {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	var se ollama.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	var sep *ollama.StatusError
	if errors.As(err, &sep) && sep != nil {
		return sep.StatusCode, true
	}
	return 0, false
}

func classifyStatus(code int, err error) ErrorType {
	switch {
	case code == 429:
		if strings.Contains(strings.ToLower(err.Error()), "quota") {
			return ErrorQuota
		}
		return ErrorRate
	case code == 402:
		return ErrorQuota
	case code == 413:
		return ErrorContext
	case code == 408 || code == 504:
		return ErrorTimeout
	case code >= 500:
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}

func classifyMessage(err error) ErrorType {
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "credit"), strings.Contains(e, "insufficient_quota"):
		return ErrorQuota
	case strings.Contains(e, "rate limit"), strings.Contains(e, "429"):
		return ErrorRate
	case strings.Contains(e, "context length"), strings.Contains(e, "too long"):
		return ErrorContext
	case strings.Contains(e, "connection refused"), strings.Contains(e, "no such host"), strings.Contains(e, "unavailable"):
		return ErrorUnavailable
	case strings.Contains(e, "timeout"), strings.Contains(e, "temporarily"), strings.Contains(e, "eof"):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}
