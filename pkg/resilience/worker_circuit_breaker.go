// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

// ErrHalfOpenLimit is returned when the half-open probe quota is used up.
var ErrHalfOpenLimit = gobreaker.ErrTooManyRequests

// IsRejected reports whether err came from the breaker rather than the call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrHalfOpenLimit)
}

// BreakerConfig tunes a provider circuit breaker.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32        // allowed in half-open state (default: 3)
	Interval            time.Duration // closed-state counter reset (default: 60s)
	Timeout             time.Duration // open-state duration (default: 30s)
	ConsecutiveFailures uint32        // trips after more than this many (default: 5)
	FailureRatio        float64       // trips at this ratio after MinRequests (default: 0.6)
	MinRequests         uint32        // default: 10
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	cfg := *c
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.6
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	return cfg
}

// Breaker wraps a gobreaker.CircuitBreaker. Only errors the trip predicate
// accepts count as failures; client errors pass through without opening
// the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker. trips decides which errors count against
// the circuit; nil counts every error.
func NewBreaker(c BreakerConfig, trips func(error) bool) *Breaker {
	cfg := c.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (trips != nil && !trips(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. ErrCircuitOpen is returned without
// calling fn while the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
