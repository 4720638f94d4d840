package storage

import (
	"context"
	"fmt"
	"time"

	"ragengine/internal/models"
	"ragengine/internal/ragerr"
)

// DocumentStore persists document records and the raw bytes they were
// ingested from. Status changes go through Transition so that illegal moves
// are rejected in one place.
type DocumentStore interface {
	// Put inserts or replaces a document together with its raw content.
	Put(ctx context.Context, doc models.Document, raw []byte) error
	Get(ctx context.Context, documentID string) (models.Document, error)
	Raw(ctx context.Context, documentID string) ([]byte, error)
	// List returns documents of a collection, optionally narrowed to a status,
	// newest first. An empty collection lists every collection.
	List(ctx context.Context, collection string, status models.DocumentStatus) ([]models.Document, error)
	// Transition moves a document to status `to`, applying mutate to the
	// record in the same step.
	Transition(ctx context.Context, documentID string, to models.DocumentStatus, mutate func(*models.Document)) (models.Document, error)
	Delete(ctx context.Context, documentID string) error
}

// applyTransition validates the move and stamps bookkeeping fields.
func applyTransition(doc *models.Document, to models.DocumentStatus, mutate func(*models.Document), now time.Time) error {
	if !doc.Status.CanTransition(to) {
		return fmt.Errorf("%w: document %s %s -> %s", ragerr.ErrInvalidTransition, doc.DocumentID, doc.Status, to)
	}
	doc.Status = to
	doc.UpdatedAt = now
	switch to {
	case models.StatusPending, models.StatusProcessing:
		doc.FailStage = ""
		doc.FailReason = ""
	case models.StatusIndexed:
		doc.FailStage = ""
		doc.FailReason = ""
		t := now
		doc.IndexedAt = &t
	}
	if mutate != nil {
		mutate(doc)
	}
	return nil
}
