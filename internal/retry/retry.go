package retry

import (
	"context"
	"time"
)

// Policy mirrors the knobs of a Temporal RetryPolicy for in-process calls.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    4,
	}
}

// Backoff returns the wait before attempt n+1, where n starts at 1.
func (p Policy) Backoff(n int) time.Duration {
	d := p.InitialInterval
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * coef)
		if p.MaximumInterval > 0 && d >= p.MaximumInterval {
			return p.MaximumInterval
		}
	}
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		return p.MaximumInterval
	}
	return d
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempt budget runs out. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	attempts := p.MaximumAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return err
		}
		if sleepErr := Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
