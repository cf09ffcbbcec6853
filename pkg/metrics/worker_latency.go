// Package metrics keeps in-process counters and latency windows for the
// sync workers and the HTTP surface.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Latency window with percentiles
// =============================================================================

// LatencyTracker keeps the most recent samples of one operation.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	limit   int
}

func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = 500
	}
	return &LatencyTracker{samples: make([]time.Duration, 0, window), limit: window}
}

func (t *LatencyTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= t.limit {
		drop := t.limit / 10
		if drop < 1 {
			drop = 1
		}
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
	t.samples = append(t.samples, d)
}

// Stats computes percentiles over a sorted copy so Record never waits on a sort.
func (t *LatencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	sorted := make([]time.Duration, len(t.samples))
	copy(sorted, t.samples)
	t.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	at := func(p float64) time.Duration {
		return sorted[int(float64(len(sorted)-1)*p)]
	}
	return LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / time.Duration(len(sorted)),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
	}
}

// LatencyStats is a point-in-time summary.
type LatencyStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}

// =============================================================================
// Registry keyed by operation name
// =============================================================================

// Registry groups trackers and counters, e.g. "sync.delta" or "http.senders".
type Registry struct {
	mu       sync.RWMutex
	window   int
	trackers map[string]*LatencyTracker
	counters map[string]int64
}

func NewRegistry(window int) *Registry {
	return &Registry{
		window:   window,
		trackers: make(map[string]*LatencyTracker),
		counters: make(map[string]int64),
	}
}

func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.RLock()
	t, ok := r.trackers[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if t, ok = r.trackers[name]; !ok {
			t = NewLatencyTracker(r.window)
			r.trackers[name] = t
		}
		r.mu.Unlock()
	}
	t.Record(d)
}

func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

func (r *Registry) Add(name string, n int64) {
	r.mu.Lock()
	r.counters[name] += n
	r.mu.Unlock()
}

func (r *Registry) Count(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Snapshot renders every counter and latency window.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	trackers := make(map[string]*LatencyTracker, len(r.trackers))
	for k, v := range r.trackers {
		trackers[k] = v
	}
	r.mu.RUnlock()

	latency := make(map[string]any, len(trackers))
	for k, t := range trackers {
		latency[k] = t.Stats().ToMap()
	}
	return map[string]any{
		"counters": counters,
		"latency":  latency,
	}
}
