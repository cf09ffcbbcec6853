package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrRetriesExhausted wraps the last error once MaxAttempts is reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default: 5)
	BaseDelay   time.Duration // delay before the second attempt (default: 500ms)
	MaxDelay    time.Duration // cap for a single delay (default: 30s)
	Jitter      float64       // fraction of the delay added at random, 0..1 (default: 0.5)
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Int63n(int64(float64(d)*p.Jitter) + 1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns an error shouldRetry rejects,
// ctx is done, or MaxAttempts is reached. The returned error of an
// exhausted run matches both ErrRetriesExhausted and the last error.
func Retry(ctx context.Context, p *RetryPolicy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	if p == nil {
		p = DefaultRetryPolicy()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return errors.Join(ErrRetriesExhausted, err)
}
