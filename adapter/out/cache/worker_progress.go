package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

const (
	progressKeyPrefix = "sync:progress:"
	progressTTL       = 24 * time.Hour
)

// RedisProgress implements out.ProgressTracker as a hash per account.
type RedisProgress struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProgress creates a new RedisProgress.
func NewRedisProgress(client *redis.Client) *RedisProgress {
	return &RedisProgress{client: client, ttl: progressTTL}
}

func progressKey(accountID uuid.UUID) string {
	return progressKeyPrefix + accountID.String()
}

// SetTotal starts a new counter pair with current reset to zero.
func (p *RedisProgress) SetTotal(ctx context.Context, accountID uuid.UUID, total int) error {
	key := progressKey(accountID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, "total", total, "current", 0)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set sync total: %w", err)
	}
	return nil
}

func (p *RedisProgress) SetCurrent(ctx context.Context, accountID uuid.UUID, current int) error {
	key := progressKey(accountID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, "current", current)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set sync progress: %w", err)
	}
	return nil
}

// Get returns a zero pair when no pass has reported progress.
func (p *RedisProgress) Get(ctx context.Context, accountID uuid.UUID) (domain.SyncProgress, error) {
	result, err := p.client.HGetAll(ctx, progressKey(accountID)).Result()
	if err != nil {
		return domain.SyncProgress{}, fmt.Errorf("failed to get sync progress: %w", err)
	}

	var progress domain.SyncProgress
	if v, ok := result["total"]; ok {
		progress.Total, _ = strconv.Atoi(v)
	}
	if v, ok := result["current"]; ok {
		progress.Current, _ = strconv.Atoi(v)
	}
	return progress, nil
}

func (p *RedisProgress) Clear(ctx context.Context, accountID uuid.UUID) error {
	return p.client.Del(ctx, progressKey(accountID)).Err()
}

var _ out.ProgressTracker = (*RedisProgress)(nil)
