package vector

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ragengine/internal/ragerr"
	"ragengine/internal/retry"
)

type retrying struct {
	next    Gateway
	policy  retry.Policy
	timeout time.Duration
	log     logrus.FieldLogger
}

// WithRetry retries calls that fail with ErrCollectionUnavailable. Every
// other error, dimension mismatches in particular, is returned at once.
// A positive timeout bounds each attempt.
func WithRetry(next Gateway, policy retry.Policy, timeout time.Duration, log logrus.FieldLogger) Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &retrying{next: next, policy: policy, timeout: timeout, log: log.WithField("component", "vector")}
}

func unavailable(err error) bool {
	return errors.Is(err, ragerr.ErrCollectionUnavailable)
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && unavailable(err) {
			r.log.WithError(err).WithField("op", op).WithField("attempt", attempt).Warn("vector store call failed")
		}
		return err
	}, unavailable)
}

func (r *retrying) EnsureCollection(ctx context.Context, schema Schema) (Schema, error) {
	var out Schema
	err := r.do(ctx, "ensure_collection", func(ctx context.Context) error {
		var err error
		out, err = r.next.EnsureCollection(ctx, schema)
		return err
	})
	return out, err
}

func (r *retrying) Collection(ctx context.Context, name string) (Schema, error) {
	var out Schema
	err := r.do(ctx, "collection", func(ctx context.Context) error {
		var err error
		out, err = r.next.Collection(ctx, name)
		return err
	})
	return out, err
}

func (r *retrying) Upsert(ctx context.Context, collection string, entries []Entry) error {
	return r.do(ctx, "upsert", func(ctx context.Context) error {
		return r.next.Upsert(ctx, collection, entries)
	})
}

func (r *retrying) Query(ctx context.Context, collection string, vec []float32, topK int, filter Filter) ([]Match, error) {
	var out []Match
	err := r.do(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = r.next.Query(ctx, collection, vec, topK, filter)
		return err
	})
	return out, err
}

func (r *retrying) DeleteDocument(ctx context.Context, collection, documentID string) error {
	return r.do(ctx, "delete_document", func(ctx context.Context) error {
		return r.next.DeleteDocument(ctx, collection, documentID)
	})
}

func (r *retrying) DeleteChunks(ctx context.Context, collection string, chunkIDs []string) error {
	return r.do(ctx, "delete_chunks", func(ctx context.Context) error {
		return r.next.DeleteChunks(ctx, collection, chunkIDs)
	})
}

func (r *retrying) ChunkIDs(ctx context.Context, collection, documentID string) ([]string, error) {
	var out []string
	err := r.do(ctx, "chunk_ids", func(ctx context.Context) error {
		var err error
		out, err = r.next.ChunkIDs(ctx, collection, documentID)
		return err
	})
	return out, err
}

func (r *retrying) Count(ctx context.Context, collection string) (int, error) {
	var out int
	err := r.do(ctx, "count", func(ctx context.Context) error {
		var err error
		out, err = r.next.Count(ctx, collection)
		return err
	})
	return out, err
}

func (r *retrying) DropCollection(ctx context.Context, collection string) error {
	return r.do(ctx, "drop_collection", func(ctx context.Context) error {
		return r.next.DropCollection(ctx, collection)
	})
}

func (r *retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
