package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

type recordingHandler struct {
	accept bool
	jobs   []*out.MailSyncJob
	acks   []AckFunc
}

func (h *recordingHandler) Dispatch(ctx context.Context, job *out.MailSyncJob, ack AckFunc) bool {
	h.jobs = append(h.jobs, job)
	h.acks = append(h.acks, ack)
	return h.accept
}

func newStream(t *testing.T) (*redis.Client, *RedisStream) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStream(client, "sync-workers")
	require.NoError(t, s.CreateGroup(context.Background(), StreamMailSync))
	require.NoError(t, s.CreateGroup(context.Background(), StreamMailSync), "group creation is idempotent")
	return client, s
}

func readAll(t *testing.T, s *RedisStream) []redis.XMessage {
	t.Helper()
	msgs, err := s.Read(context.Background(), StreamMailSync, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	return msgs
}

func TestProducer_PublishMailSync(t *testing.T) {
	_, s := newStream(t)
	producer := NewProducer(s)

	_, err := producer.PublishMailSync(context.Background(), &out.MailSyncJob{})
	assert.Error(t, err)

	accountID := uuid.New()
	id, err := producer.PublishMailSync(context.Background(), &out.MailSyncJob{AccountID: accountID, Reason: "manual"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := readAll(t, s)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

func TestConsumer_DeliverAcksAfterHandler(t *testing.T) {
	_, s := newStream(t)
	handler := &recordingHandler{accept: true}
	consumer := NewConsumer(s, ConsumerConfig{Name: "c1", Handler: handler, Logger: zerolog.Nop()})
	ctx := context.Background()

	accountID := uuid.New()
	_, err := NewProducer(s).PublishMailSync(ctx, &out.MailSyncJob{AccountID: accountID, MaxMessages: 50})
	require.NoError(t, err)

	msgs := readAll(t, s)
	require.Len(t, msgs, 1)
	assert.True(t, consumer.deliver(ctx, msgs[0]))

	require.Len(t, handler.jobs, 1)
	assert.Equal(t, accountID, handler.jobs[0].AccountID)
	assert.Equal(t, 50, handler.jobs[0].MaxMessages)

	pending, err := s.Pending(ctx, StreamMailSync)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending, "unacked until the handler finishes")

	require.NoError(t, handler.acks[0](ctx))
	pending, err = s.Pending(ctx, StreamMailSync)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestConsumer_RejectedJobStaysPending(t *testing.T) {
	_, s := newStream(t)
	consumer := NewConsumer(s, ConsumerConfig{Name: "c1", Handler: &recordingHandler{}, Logger: zerolog.Nop()})
	ctx := context.Background()

	_, err := NewProducer(s).PublishMailSync(ctx, &out.MailSyncJob{AccountID: uuid.New()})
	require.NoError(t, err)

	msgs := readAll(t, s)
	require.Len(t, msgs, 1)
	assert.False(t, consumer.deliver(ctx, msgs[0]))

	pending, err := s.Pending(ctx, StreamMailSync)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestConsumer_InvalidPayloadIsDeadLettered(t *testing.T) {
	client, s := newStream(t)
	handler := &recordingHandler{accept: true}
	consumer := NewConsumer(s, ConsumerConfig{Name: "c1", Handler: handler, Logger: zerolog.Nop()})
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamMailSync,
		Values: map[string]any{"data": "{not json"},
	}).Err())

	msgs := readAll(t, s)
	require.Len(t, msgs, 1)
	assert.False(t, consumer.deliver(ctx, msgs[0]))
	assert.Empty(t, handler.jobs)

	n, err := client.XLen(ctx, "dlq:"+StreamMailSync).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pending, err := s.Pending(ctx, StreamMailSync)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
