// Package cache provides Redis-backed coordination adapters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// releaseScript deletes the key only while it still holds our token, so a
// pass that outlived its lease cannot free someone else's.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements out.LeaseLocker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the lease for key or returns out.ErrLeaseHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (out.Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, out.ErrLeaseHeld
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

var _ out.LeaseLocker = (*RedisLocker)(nil)
