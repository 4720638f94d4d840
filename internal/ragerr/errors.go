package ragerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptDocument   = errors.New("corrupt document")

	ErrEmbeddingServiceUnavailable = errors.New("embedding service unavailable")
	ErrEmbeddingTimeout            = errors.New("embedding timeout")
	ErrEmbeddingRejected           = errors.New("embedding rejected")

	ErrCollectionUnavailable = errors.New("collection unavailable")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrDimensionMismatch     = errors.New("dimension mismatch")
	ErrModelMismatch         = errors.New("model mismatch")

	ErrGenerationServiceUnavailable = errors.New("generation service unavailable")

	ErrDocumentNotFound   = errors.New("document not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidInput       = errors.New("invalid input")
	ErrIngestionCancelled = errors.New("ingestion cancelled")
)

// Stage names the ingestion step an error came from.
type Stage string

const (
	StageLoad     Stage = "load"
	StageChunk    Stage = "chunk"
	StageEmbed    Stage = "embed"
	StageIndex    Stage = "index"
	StagePrune    Stage = "prune"
	StageFinish   Stage = "finish"
	StageRecover  Stage = "recover"
	StageDispatch Stage = "dispatch"
)

// StageError tells the caller which document failed and where.
type StageError struct {
	DocumentID string
	Stage      Stage
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("document %s: %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func AtStage(docID string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{DocumentID: docID, Stage: stage, Err: err}
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// IsRetryable reports whether err is a transient backend condition.
// Configuration-class errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case errors.Is(err, ErrDimensionMismatch),
		errors.Is(err, ErrModelMismatch),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrCorruptDocument),
		errors.Is(err, ErrEmbeddingRejected),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrCollectionNotFound):
		return false
	}
	return errors.Is(err, ErrEmbeddingServiceUnavailable) ||
		errors.Is(err, ErrEmbeddingTimeout) ||
		errors.Is(err, ErrCollectionUnavailable) ||
		errors.Is(err, ErrGenerationServiceUnavailable)
}

// IsConfiguration reports errors that need operator action rather than a retry.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrModelMismatch) || errors.Is(err, ErrUnsupportedFormat)
}
