package worker

import (
	"math/rand"
	"time"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// =============================================================================
// Sync retry backoff
// =============================================================================

// RetryPolicy decides how failed jobs are rescheduled.
type RetryPolicy struct {
	MaxRetries int           // attempts after the first (default: 3)
	Jitter     time.Duration // random spread added to each delay (default: 500ms)
	Delay      func(retry int) time.Duration
}

// DefaultRetryPolicy follows the domain backoff ladder.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Jitter:     500 * time.Millisecond,
		Delay:      domain.GetRetryDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Delay == nil {
		p.Delay = d.Delay
	}
	return p
}

// next returns the delay before the next attempt, or false when the job has
// used up its retries.
func (p RetryPolicy) next(retries int) (time.Duration, bool) {
	if retries >= p.MaxRetries {
		return 0, false
	}
	delay := p.Delay(retries)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay, true
}
