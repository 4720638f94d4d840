package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/logging"
	"ragengine/internal/providers"
	"ragengine/internal/ragerr"
	"ragengine/internal/retry"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	embed   func(ctx context.Context, call int, inputs []string) ([][]float32, error)
}

func (f *fakeProvider) Model() string { return "fake:v1" }

func (f *fakeProvider) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.batches = append(f.batches, append([]string(nil), req.Inputs...))
	f.mu.Unlock()
	vecs, err := f.embed(ctx, call, req.Inputs)
	return vecs, providers.ProviderInfo{Name: "fake"}, err
}

func lengthVectors(_ context.Context, _ int, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in)), 1, 0}
	}
	return out, nil
}

func testOptions() Options {
	return Options{
		BatchSize:   2,
		Concurrency: 2,
		Timeout:     50 * time.Millisecond,
		Retry:       retry.Policy{InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaximumInterval: 2 * time.Millisecond, MaximumAttempts: 3},
	}
}

func TestEmbedBatchesAndKeepsOrder(t *testing.T) {
	fp := &fakeProvider{embed: lengthVectors}
	c := New(fp, testOptions(), logging.Discard())
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		require.Equal(t, float32(len(texts[i])), v[0])
	}
	require.Equal(t, 3, fp.calls)
	dim, err := c.Dimension(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, dim)
	require.Equal(t, 3, fp.calls, "dimension must be cached after the first call")
}

func TestEmbedRetriesTransientThenSucceeds(t *testing.T) {
	fp := &fakeProvider{embed: func(ctx context.Context, call int, inputs []string) ([][]float32, error) {
		if call < 3 {
			return nil, &providers.HTTPStatusError{Provider: "fake", StatusCode: 503}
		}
		return lengthVectors(ctx, call, inputs)
	}}
	opts := testOptions()
	opts.Concurrency = 1
	c := New(fp, opts, logging.Discard())
	vecs, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Equal(t, 3, fp.calls)
}

func TestEmbedUnavailableAfterRetries(t *testing.T) {
	fp := &fakeProvider{embed: func(context.Context, int, []string) ([][]float32, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
	c := New(fp, testOptions(), logging.Discard())
	_, err := c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ragerr.ErrEmbeddingServiceUnavailable)
	require.Equal(t, 3, fp.calls)
}

func TestEmbedTimeout(t *testing.T) {
	fp := &fakeProvider{embed: func(ctx context.Context, _ int, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := testOptions()
	opts.Timeout = 5 * time.Millisecond
	c := New(fp, opts, logging.Discard())
	_, err := c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ragerr.ErrEmbeddingTimeout)
	require.Equal(t, 3, fp.calls)
}

func TestEmbedRejectionNotRetried(t *testing.T) {
	fp := &fakeProvider{embed: func(context.Context, int, []string) ([][]float32, error) {
		return nil, &providers.HTTPStatusError{Provider: "fake", StatusCode: 400, Body: "input too large"}
	}}
	c := New(fp, testOptions(), logging.Discard())
	_, err := c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ragerr.ErrEmbeddingRejected)
	require.Equal(t, 1, fp.calls)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	fp := &fakeProvider{embed: lengthVectors}
	opts := testOptions()
	opts.Dimension = 768
	c := New(fp, opts, logging.Discard())
	_, err := c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
	require.Equal(t, 1, fp.calls)
}

func TestEmbedCancelledContext(t *testing.T) {
	var calls atomic.Int32
	fp := &fakeProvider{embed: func(ctx context.Context, _ int, _ []string) ([][]float32, error) {
		calls.Add(1)
		return nil, errors.New("unreachable")
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(fp, testOptions(), logging.Discard())
	_, err := c.Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls.Load())
}
