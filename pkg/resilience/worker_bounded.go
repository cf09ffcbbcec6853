package resilience

import (
	"context"
	"sync"
	"time"
)

// BatchConfig bounds per-item provider calls.
type BatchConfig struct {
	Concurrency int           // calls in flight per batch (default: 10)
	BatchDelay  time.Duration // pause between batches (default: 250ms)
	ItemTimeout time.Duration // per attempt (default: 15s)
	Retry       *RetryPolicy

	// Retryable selects errors worth another attempt. Nil retries nothing.
	Retryable func(error) bool
	// Abort selects errors that stop the whole run, e.g. a revoked grant.
	Abort func(error) bool
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	} else if c.BatchDelay == 0 {
		c.BatchDelay = 250 * time.Millisecond
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 15 * time.Second
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Retryable == nil {
		c.Retryable = func(error) bool { return false }
	}
	return c
}

// FetchBounded calls fn once per id, Concurrency at a time, sleeping
// BatchDelay between batches. Results keep input order. Ids whose calls
// still fail after retries are returned in failed; the call itself only
// errors when ctx ends or an Abort error is seen.
func FetchBounded[T any](ctx context.Context, ids []string, cfg BatchConfig, fn func(ctx context.Context, id string) (T, error)) ([]T, []string, error) {
	cfg = cfg.withDefaults()

	results := make([]T, 0, len(ids))
	var failed []string

	for start := 0; start < len(ids); start += cfg.Concurrency {
		if start > 0 && cfg.BatchDelay > 0 {
			timer := time.NewTimer(cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, append(failed, ids[start:]...), ctx.Err()
			case <-timer.C:
			}
		}

		end := min(start+cfg.Concurrency, len(ids))
		batch := ids[start:end]
		values := make([]T, len(batch))
		errs := make([]error, len(batch))

		var wg sync.WaitGroup
		for i, id := range batch {
			wg.Add(1)
			go func(idx int, id string) {
				defer wg.Done()
				errs[idx] = Retry(ctx, cfg.Retry, cfg.Retryable, func(ctx context.Context) error {
					itemCtx, cancel := context.WithTimeout(ctx, cfg.ItemTimeout)
					defer cancel()
					v, err := fn(itemCtx, id)
					if err == nil {
						values[idx] = v
					}
					return err
				})
			}(i, id)
		}
		wg.Wait()

		var abortErr error
		for i, err := range errs {
			if err == nil {
				results = append(results, values[i])
				continue
			}
			failed = append(failed, batch[i])
			if abortErr == nil && cfg.Abort != nil && cfg.Abort(err) {
				abortErr = err
			}
		}
		if abortErr != nil {
			return results, append(failed, ids[end:]...), abortErr
		}
		if err := ctx.Err(); err != nil {
			return results, append(failed, ids[end:]...), err
		}
	}
	return results, failed, nil
}
