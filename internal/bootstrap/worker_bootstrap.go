package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/owdub1/cleaninbox-sub002/adapter/in/worker"
	"github.com/owdub1/cleaninbox-sub002/config"
	"github.com/owdub1/cleaninbox-sub002/internal/stream"
)

// Worker runs the background side: a stream consumer feeding the sync pool
// and the scheduler that enqueues periodic syncs.
type Worker struct {
	pool      *worker.Pool
	consumer  *stream.Consumer
	scheduler *worker.SyncScheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()
	if !cfg.IsDevelopment() {
		zlog = zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger()
	}

	w := newWorker(cfg, deps, zlog)
	return w, cleanup, nil
}

func newWorker(cfg *config.Config, deps *Dependencies, zlog zerolog.Logger) *Worker {
	retry := worker.DefaultRetryPolicy()
	retry.MaxRetries = cfg.WorkerMaxRetries

	pool := worker.NewPool(deps.SyncService, worker.PoolConfig{
		Workers:    cfg.WorkerConcurrency,
		JobTimeout: cfg.WorkerJobTimeout,
		Retry:      retry,
	}, deps.Metrics, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	w.consumer = stream.NewConsumer(deps.Stream, stream.ConsumerConfig{
		Name:          cfg.WorkerID,
		Handler:       pool,
		Logger:        zlog,
		BatchSize:     int64(cfg.ConsumerBatchSize),
		Block:         cfg.ConsumerBlock,
		PendingIdle:   pendingIdle(cfg.ConsumerPendingIdle, pool.MaxHold(), zlog),
		MaxDeliveries: int64(cfg.ConsumerMaxDeliveries),
	})

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewSyncScheduler(deps.AccountRepo, deps.Producer, worker.SchedulerConfig{
			Interval:    cfg.SyncScheduleInterval,
			MinAge:      cfg.SyncScheduleMinAge,
			BatchLimit:  cfg.SyncScheduleBatch,
			MaxMessages: cfg.SyncScheduleMax,
		})
	}
	return w
}

// pendingIdle keeps the reclaim threshold above the longest time the pool
// may legitimately hold an entry, so a job that is still running or waiting
// on a retry is never claimed by a second consumer.
func pendingIdle(configured, hold time.Duration, zlog zerolog.Logger) time.Duration {
	floor := hold + time.Minute
	if configured >= floor {
		return configured
	}
	zlog.Warn().
		Dur("configured", configured).
		Dur("pool_max_hold", hold).
		Dur("using", floor).
		Msg("CONSUMER_PENDING_IDLE below pool hold time, raising it")
	return floor
}

// Start blocks until Stop is called.
func (w *Worker) Start() {
	if err := w.pool.Start(); err != nil {
		w.zlog.Error().Err(err).Msg("Failed to start sync pool")
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Str("worker_id", w.deps.Config.WorkerID).Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Dur("interval", w.deps.Config.SyncScheduleInterval).Msg("Started Sync Scheduler")
	}

	<-w.ctx.Done()
}

// Stop halts intake first, then drains the pool within ctx. Jobs still
// running when ctx expires are abandoned and redelivered later.
func (w *Worker) Stop(ctx context.Context) {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.cancel()
	w.wg.Wait()
	w.pool.Stop(ctx)
	w.zlog.Info().Int("in_flight", w.pool.InFlight()).Msg("Worker stopped")
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
