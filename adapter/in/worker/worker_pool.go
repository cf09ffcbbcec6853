package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/internal/stream"
	"github.com/owdub1/cleaninbox-sub002/pkg/metrics"
)

// =============================================================================
// Sync worker pool (go-pkgz/pool)
// =============================================================================

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int           // concurrent syncs
	WorkerChanSize int           // buffered tasks per worker
	JobTimeout     time.Duration // upper bound for one pass (default: 10m)
	Retry          RetryPolicy
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        4,
		WorkerChanSize: 16,
		JobTimeout:     10 * time.Minute,
		Retry:          DefaultRetryPolicy(),
	}
}

// Pool runs sync jobs delivered by the stream consumer. Each task is acked
// only once its outcome is final, so a crashed worker leaves the entry
// pending for another consumer to reclaim.
type Pool struct {
	sync    in.SyncService
	cfg     PoolConfig
	group   *pool.WorkerGroup[*Task]
	metrics *metrics.Registry
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // guards Submit against Close
	started  atomic.Bool
	inFlight atomic.Int32

	// delayed jobs waiting on a timer; Stop cancels what has not fired
	timersMu sync.Mutex
	pending  map[*time.Timer]struct{}
	timers   sync.WaitGroup
}

type syncWorker struct {
	pool *Pool
}

// Do implements pool.Worker.
func (w *syncWorker) Do(ctx context.Context, t *Task) error {
	w.pool.process(ctx, t)
	return nil
}

func NewPool(syncService in.SyncService, cfg PoolConfig, reg *metrics.Registry, log zerolog.Logger) *Pool {
	d := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.WorkerChanSize <= 0 {
		cfg.WorkerChanSize = d.WorkerChanSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = d.JobTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if reg == nil {
		reg = metrics.NewRegistry(500)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sync:    syncService,
		cfg:     cfg,
		metrics: reg,
		log:     log.With().Str("component", "sync_pool").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[*time.Timer]struct{}),
	}
}

// Start starts the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.Load() {
		return nil
	}

	// Batch size 1 hands every task to a worker immediately.
	p.group = pool.New[*Task](p.cfg.Workers, &syncWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.cfg.WorkerChanSize).
		WithContinueOnError()
	if err := p.group.Go(p.ctx); err != nil {
		return err
	}
	p.started.Store(true)

	p.log.Info().
		Int("workers", p.cfg.Workers).
		Dur("job_timeout", p.cfg.JobTimeout).
		Msg("sync pool started")
	return nil
}

// Stop drains queued tasks until ctx expires, then cancels running syncs.
// Cancelled tasks are not acked.
func (p *Pool) Stop(ctx context.Context) {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	// Wait out submitters that passed the check before the flag flipped.
	p.mu.Lock()
	p.mu.Unlock()

	p.log.Info().Msg("stopping sync pool...")

	done := make(chan error, 1)
	go func() { done <- p.group.Close(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn().Err(err).Msg("error closing pool")
		}
	case <-ctx.Done():
		p.log.Warn().Msg("shutdown deadline reached, cancelling running syncs")
	}
	p.cancel()
	p.stopTimers()
	p.timers.Wait()

	p.log.Info().
		Int64("done", p.metrics.Count("jobs.done")).
		Int64("retried", p.metrics.Count("jobs.retried")).
		Int64("terminal", p.metrics.Count("jobs.terminal")).
		Msg("sync pool stopped")
}

// Dispatch implements stream.JobHandler. A job whose NotBefore lies in the
// future is held in-process until then.
func (p *Pool) Dispatch(ctx context.Context, job *out.MailSyncJob, ack stream.AckFunc) bool {
	task := &Task{Job: job, Ack: ack, AcceptedAt: time.Now()}
	if wait := time.Until(job.NotBefore); !job.NotBefore.IsZero() && wait > 0 {
		return p.submitAfter(wait, task)
	}
	return p.submit(task)
}

// MaxHold is the longest a task can stay with the pool before its outcome
// is final: every attempt running to the job timeout plus every backoff.
// Delays from NotBefore are not included.
func (p *Pool) MaxHold() time.Duration {
	hold := time.Duration(p.cfg.Retry.MaxRetries+1) * p.cfg.JobTimeout
	for i := 0; i < p.cfg.Retry.MaxRetries; i++ {
		hold += p.cfg.Retry.Delay(i) + p.cfg.Retry.Jitter
	}
	return hold
}

// InFlight reports the number of syncs currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pool) submit(t *Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started.Load() || p.group == nil {
		return false
	}
	p.group.Submit(t)
	p.metrics.Inc("jobs.accepted")
	return true
}

func (p *Pool) submitAfter(delay time.Duration, t *Task) bool {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	if !p.started.Load() || p.ctx.Err() != nil {
		return false
	}

	p.timers.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer p.timers.Done()
		p.timersMu.Lock()
		delete(p.pending, timer)
		p.timersMu.Unlock()

		if !p.submit(t) {
			p.log.Warn().Str("account_id", t.Job.AccountID.String()).Msg("pool stopped before delayed job ran, left pending")
		}
	})
	p.pending[timer] = struct{}{}
	return true
}

// stopTimers cancels delayed jobs that have not fired. Their stream
// entries stay pending for reclaim.
func (p *Pool) stopTimers() {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	for timer := range p.pending {
		if timer.Stop() {
			p.timers.Done()
		}
		delete(p.pending, timer)
	}
}

// delayed reports the number of jobs waiting on a timer.
func (p *Pool) delayed() int {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	return len(p.pending)
}

// process runs one pass and settles the task.
func (p *Pool) process(ctx context.Context, t *Task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	job := t.Job
	log := p.log.With().
		Str("account_id", job.AccountID.String()).
		Str("reason", job.Reason).
		Int("retries", job.Retries).
		Logger()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.sync.SyncAccount(jobCtx, job.AccountID, domain.SyncOptions{MaxMessages: job.MaxMessages})
	elapsed := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Dur("timeout", p.cfg.JobTimeout).Msg("sync timed out")
	}
	if err != nil && ctx.Err() != nil {
		err = errors.Join(err, context.Canceled)
	}

	switch o := classify(err); o {
	case outcomeDone:
		p.metrics.Inc("jobs.done")
		p.metrics.Observe("sync."+string(result.Method), elapsed)
		ev := log.Info()
		if result.HasWarning() {
			ev = log.Warn().Str("warning", result.Warning)
		}
		ev.Str("method", string(result.Method)).
			Int("added", result.AddedCount).
			Int("deleted", result.DeletedCount).
			Int("failed_fetches", result.FailedFetches).
			Dur("elapsed", elapsed).
			Msg("sync finished")
		p.ack(t, log)

	case outcomeTerminal:
		p.metrics.Inc("jobs.terminal")
		log.Warn().Err(err).Msg("sync failed permanently")
		p.ack(t, log)

	case outcomeRetry:
		delay, ok := p.cfg.Retry.next(job.Retries)
		if !ok {
			// Left pending: the consumer's reclaim loop redelivers it and
			// dead-letters it once it has been delivered too often.
			p.metrics.Inc("jobs.exhausted")
			log.Error().Err(err).Msg("sync retries exhausted, left pending")
			return
		}
		p.metrics.Inc("jobs.retried")
		job.Retries++
		job.Reason = ReasonRetry
		log.Warn().Err(err).Dur("backoff", delay).Msg("sync failed, retrying")
		if !p.submitAfter(delay, t) {
			log.Warn().Msg("pool stopped, retry left pending")
		}

	case outcomeAbandon:
		p.metrics.Inc("jobs.abandoned")
		log.Info().Msg("sync cancelled, left pending")
	}
}

func (p *Pool) ack(t *Task, log zerolog.Logger) {
	if t.Ack == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Ack(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ack job")
	}
}

var _ stream.JobHandler = (*Pool)(nil)
