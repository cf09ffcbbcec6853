package worker

import (
	"context"
	"sync"
	"time"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// =============================================================================
// SyncScheduler - periodic background sync of connected accounts
// =============================================================================
//
// Every tick the stalest connected accounts are queued. Accounts synced within
// MinAge are skipped; the account lease keeps overlapping passes out anyway.

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval     time.Duration // tick period (default: 5m)
	InitialDelay time.Duration // wait before the first tick (default: 30s)
	MinAge       time.Duration // skip accounts synced more recently (default: 10m)
	BatchLimit   int           // accounts queued per tick (default: 100)
	MaxMessages  int           // per-job listing cap, 0 for unbounded
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	} else if c.InitialDelay == 0 {
		c.InitialDelay = 30 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = 10 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

type SyncScheduler struct {
	accounts out.AccountRepository
	producer out.MessageProducer
	cfg      SchedulerConfig
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncScheduler(accounts out.AccountRepository, producer out.MessageProducer, cfg SchedulerConfig) *SyncScheduler {
	return &SyncScheduler{
		accounts: accounts,
		producer: producer,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Start starts the scheduler loop.
func (s *SyncScheduler) Start() {
	logger.Info("[SyncScheduler] Starting (interval: %v)", s.cfg.Interval)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for the current tick.
func (s *SyncScheduler) Stop() {
	logger.Info("[SyncScheduler] Stopping...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SyncScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.InitialDelay):
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Error("[SyncScheduler] Tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("[SyncScheduler] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick queues one round of background syncs and returns how many jobs were
// published.
func (s *SyncScheduler) Tick(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	accounts, err := s.accounts.ListConnected(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.MinAge)
	published := 0
	for _, acc := range accounts {
		// Ordered stalest first, so the first fresh account ends the round.
		if acc.LastSyncedAt != nil && acc.LastSyncedAt.After(cutoff) {
			break
		}
		job := &out.MailSyncJob{
			AccountID:   acc.ID,
			MaxMessages: s.cfg.MaxMessages,
			Reason:      ReasonSchedule,
		}
		if _, err := s.producer.PublishMailSync(ctx, job); err != nil {
			logger.Error("[SyncScheduler] Failed to publish sync job for account %s: %v", acc.ID, err)
			continue
		}
		published++
	}

	if published > 0 {
		logger.Info("[SyncScheduler] Queued %d of %d connected accounts", published, len(accounts))
	}
	return published, nil
}
