package vector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/logging"
	"ragengine/internal/ragerr"
	"ragengine/internal/retry"
	"ragengine/internal/vector"
	"ragengine/internal/vector/memory"
)

type flaky struct {
	vector.Gateway
	failures int
	err      error
	calls    int
}

func (f *flaky) Upsert(ctx context.Context, collection string, entries []vector.Entry) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Gateway.Upsert(ctx, collection, entries)
}

func fast() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaximumInterval: time.Millisecond, MaximumAttempts: 3}
}

func setup(t *testing.T) *memory.Gateway {
	t.Helper()
	g := memory.New()
	_, err := g.EnsureCollection(context.Background(), vector.Schema{Collection: "c", EmbedModel: "m", Dimension: 2})
	require.NoError(t, err)
	return g
}

func TestWithRetryRetriesUnavailable(t *testing.T) {
	f := &flaky{Gateway: setup(t), failures: 2, err: fmt.Errorf("%w: connection reset", ragerr.ErrCollectionUnavailable)}
	g := vector.WithRetry(f, fast(), time.Second, logging.Discard())
	require.NoError(t, g.Upsert(context.Background(), "c", []vector.Entry{{ChunkID: "d#0", DocumentID: "d", Vector: []float32{1, 0}}}))
	require.Equal(t, 3, f.calls)
}

func TestWithRetryDoesNotRetryDimensionMismatch(t *testing.T) {
	f := &flaky{Gateway: setup(t), failures: 5, err: fmt.Errorf("%w: 3 != 2", ragerr.ErrDimensionMismatch)}
	g := vector.WithRetry(f, fast(), 0, logging.Discard())
	err := g.Upsert(context.Background(), "c", nil)
	require.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
	require.Equal(t, 1, f.calls)
}

func TestSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	require.InDelta(t, 1.0, vector.Similarity(vector.MetricCosine, a, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, vector.Similarity(vector.MetricCosine, a, b), 1e-9)
	require.InDelta(t, -1.4142, vector.Similarity(vector.MetricL2, a, b), 1e-3)
	require.InDelta(t, 2.0, vector.Similarity(vector.MetricIP, a, []float32{2, 5}), 1e-9)
}

func TestValidateSchema(t *testing.T) {
	s, err := vector.ValidateSchema(vector.Schema{Collection: "c", EmbedModel: "m", Dimension: 4})
	require.NoError(t, err)
	require.Equal(t, vector.MetricCosine, s.Metric)
	_, err = vector.ValidateSchema(vector.Schema{Collection: "c", EmbedModel: "m", Dimension: 4, Metric: "hamming"})
	require.ErrorIs(t, err, ragerr.ErrInvalidInput)
	_, err = vector.ValidateSchema(vector.Schema{Collection: "c", Dimension: 4})
	require.ErrorIs(t, err, ragerr.ErrInvalidInput)
}
