package stream

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// AckFunc acknowledges a delivered job once its outcome is final.
type AckFunc func(ctx context.Context) error

// JobHandler accepts decoded sync jobs. Returning false leaves the entry
// pending so the reclaim loop redelivers it.
type JobHandler interface {
	Dispatch(ctx context.Context, job *out.MailSyncJob, ack AckFunc) bool
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Name    string
	Handler JobHandler
	Logger  zerolog.Logger

	BatchSize       int64
	Block           time.Duration
	PendingInterval time.Duration // how often stale entries are checked
	PendingIdle     time.Duration // idle time after which an entry is reclaimed
	MaxDeliveries   int64         // deliveries before an entry is dead-lettered
}

// Consumer feeds mail:sync entries to a JobHandler.
type Consumer struct {
	stream *RedisStream
	cfg    ConsumerConfig
	log    zerolog.Logger
}

func NewConsumer(stream *RedisStream, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = 30 * time.Second
	}
	if cfg.PendingIdle <= 0 {
		cfg.PendingIdle = 15 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	return &Consumer{
		stream: stream,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "stream_consumer").Str("consumer", cfg.Name).Logger(),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.stream.CreateGroup(ctx, StreamMailSync); err != nil {
		c.log.Warn().Err(err).Msg("error creating consumer group")
	}
	c.log.Info().Str("stream", StreamMailSync).Msg("starting consumer")

	go c.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.stream.Read(ctx, StreamMailSync, c.cfg.Name, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from stream")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			c.deliver(ctx, msg)
		}
	}
}

// deliver decodes one entry and hands it to the handler. Undecodable
// entries go straight to the dead-letter stream.
func (c *Consumer) deliver(ctx context.Context, msg redis.XMessage) bool {
	data, err := payload(msg)
	var job out.MailSyncJob
	if err == nil {
		err = json.Unmarshal(data, &job)
	}
	if err != nil {
		c.log.Error().Err(err).Str("id", msg.ID).Msg("invalid job, moving to DLQ")
		if dlqErr := c.stream.DeadLetter(ctx, StreamMailSync, msg.ID, err.Error()); dlqErr != nil {
			c.log.Error().Err(dlqErr).Str("id", msg.ID).Msg("error moving message to DLQ")
		}
		return false
	}

	id := msg.ID
	ack := func(ctx context.Context) error {
		return c.stream.Ack(ctx, StreamMailSync, id)
	}
	if !c.cfg.Handler.Dispatch(ctx, &job, ack) {
		c.log.Warn().Str("id", id).Str("account_id", job.AccountID.String()).Msg("job not accepted, left pending")
		return false
	}
	return true
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

// reclaim takes over entries whose consumer went away, dead-lettering
// those that were delivered too often.
func (c *Consumer) reclaim(ctx context.Context) {
	stale, err := c.stream.Stale(ctx, StreamMailSync, c.cfg.PendingIdle, 100)
	if err != nil {
		c.log.Error().Err(err).Msg("error getting pending messages")
		return
	}

	for _, p := range stale {
		if p.RetryCount >= c.cfg.MaxDeliveries {
			c.log.Warn().Str("id", p.ID).Int64("deliveries", p.RetryCount).Msg("message exceeded max deliveries, moving to DLQ")
			if err := c.stream.DeadLetter(ctx, StreamMailSync, p.ID, "max deliveries exceeded"); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
			}
			continue
		}

		claimed, err := c.stream.Claim(ctx, StreamMailSync, c.cfg.Name, c.cfg.PendingIdle, p.ID)
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
			continue
		}
		for _, msg := range claimed {
			c.log.Info().Str("id", msg.ID).Str("from", p.Consumer).Dur("idle", p.Idle).Msg("reclaimed stuck message")
			c.deliver(ctx, msg)
		}
	}
}
