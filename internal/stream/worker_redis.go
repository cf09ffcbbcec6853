package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	StreamMailSync = "mail:sync"

	deadLetterPrefix = "dlq:"
	dataField        = "data"
)

// RedisStream wraps one consumer group over Redis Streams.
type RedisStream struct {
	client *redis.Client
	group  string
}

func NewRedisStream(client *redis.Client, group string) *RedisStream {
	return &RedisStream{
		client: client,
		group:  group,
	}
}

func (s *RedisStream) CreateGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Publish appends data as JSON and returns the entry id.
func (s *RedisStream) Publish(ctx context.Context, stream string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{dataField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

// Read returns up to count new entries for consumer, blocking up to block.
// An empty result with nil error means nothing arrived.
func (s *RedisStream) Read(ctx context.Context, stream, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []redis.XMessage
	for _, st := range streams {
		msgs = append(msgs, st.Messages...)
	}
	return msgs, nil
}

func (s *RedisStream) Ack(ctx context.Context, stream, id string) error {
	return s.client.XAck(ctx, stream, s.group, id).Err()
}

func (s *RedisStream) Pending(ctx context.Context, stream string) (int64, error) {
	info, err := s.client.XPending(ctx, stream, s.group).Result()
	if err != nil {
		return 0, err
	}
	return info.Count, nil
}

// Stale lists pending entries idle for at least minIdle.
func (s *RedisStream) Stale(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return pending, nil
}

// Claim moves the given entries to consumer.
func (s *RedisStream) Claim(ctx context.Context, stream, consumer string, minIdle time.Duration, ids ...string) ([]redis.XMessage, error) {
	return s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

// DeadLetter copies an entry to dlq:{stream} with failure metadata and
// acknowledges the original.
func (s *RedisStream) DeadLetter(ctx context.Context, stream, id, reason string) error {
	msgs, err := s.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}

	values := map[string]any{
		"original_stream": stream,
		"original_id":     id,
		"reason":          reason,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"group":           s.group,
	}
	if len(msgs) > 0 {
		for k, v := range msgs[0].Values {
			values["original_"+k] = v
		}
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterPrefix + stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}
	return s.Ack(ctx, stream, id)
}

// payload extracts the JSON body of an entry.
func payload(msg redis.XMessage) ([]byte, error) {
	data, ok := msg.Values[dataField]
	if !ok {
		return nil, fmt.Errorf("invalid message format: missing data field")
	}
	str, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format: data is not a string")
	}
	return []byte(str), nil
}
