package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ragengine/internal/providers"
	"ragengine/internal/ragerr"
	"ragengine/internal/retry"
)

type Options struct {
	BatchSize     int
	Concurrency   int
	Timeout       time.Duration
	Retry         retry.Policy
	RatePerSecond float64
	// Dimension is the expected vector length. Zero means probe once and
	// remember the answer.
	Dimension int
}

// Client batches texts into provider calls, retries transient failures and
// checks every returned vector against the model's dimension.
type Client struct {
	provider providers.EmbeddingProvider
	opts     Options
	limiter  *rate.Limiter
	log      logrus.FieldLogger

	mu  sync.Mutex
	dim int
}

func New(p providers.EmbeddingProvider, opts Options, log logrus.FieldLogger) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retry.MaximumAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{provider: p, opts: opts, log: log.WithField("component", "embedding"), dim: opts.Dimension}
	if opts.RatePerSecond > 0 {
		burst := opts.Concurrency
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c
}

// Model is the identity stamped on collections built with this client.
func (c *Client) Model() string { return c.provider.Model() }

// Dimension returns the vector length, calling the provider once if it is
// not yet known.
func (c *Client) Dimension(ctx context.Context) (int, error) {
	c.mu.Lock()
	dim := c.dim
	c.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}
	vecs, err := c.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	return len(vecs[0]), nil
}

func (c *Client) Ping(ctx context.Context) error {
	p, ok := c.provider.(providers.Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ragerr.ErrEmbeddingServiceUnavailable, err)
	}
	return nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text in input order. Batches run
// concurrently up to the configured limit; the first failure cancels the rest.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for start := 0; start < len(texts); start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d,%d): %w", start, end, err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context, attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var err error
		vecs, err = c.call(ctx, batch)
		if err != nil && ragerr.IsRetryable(err) {
			c.log.WithError(err).WithField("attempt", attempt).WithField("batch_size", len(batch)).Warn("embedding attempt failed")
		}
		return err
	}, ragerr.IsRetryable)
	if err != nil {
		return nil, err
	}
	if err := c.checkDimensions(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	callCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	vecs, _, err := c.provider.Embed(callCtx, providers.EmbedRequest{Operation: "embed", Inputs: batch})
	if err != nil {
		return nil, c.translate(ctx, err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ragerr.ErrEmbeddingServiceUnavailable, len(vecs), len(batch))
	}
	return vecs, nil
}

// translate maps provider failures onto the embedding error taxonomy.
func (c *Client) translate(parent context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("embedding interrupted: %w", parentErr)
	}
	switch t := providers.ClassifyError(err); {
	case t == providers.ErrorTimeout || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ragerr.ErrEmbeddingTimeout, err)
	case t.Retryable() || t == providers.ErrorCanceled:
		return fmt.Errorf("%w: %w", ragerr.ErrEmbeddingServiceUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ragerr.ErrEmbeddingRejected, err)
	}
}

func (c *Client) checkDimensions(vecs [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at %d", ragerr.ErrDimensionMismatch, i)
		}
		if c.dim == 0 {
			c.dim = len(v)
			c.log.WithField("dimension", c.dim).WithField("model", c.provider.Model()).Info("embedding dimension detected")
		}
		if len(v) != c.dim {
			return fmt.Errorf("%w: model %s returned %d values, expected %d", ragerr.ErrDimensionMismatch, c.provider.Model(), len(v), c.dim)
		}
	}
	return nil
}
