package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// Producer implements out.MessageProducer on a Redis stream.
type Producer struct {
	stream *RedisStream
}

func NewProducer(stream *RedisStream) *Producer {
	return &Producer{stream: stream}
}

func (p *Producer) PublishMailSync(ctx context.Context, job *out.MailSyncJob) (string, error) {
	if job == nil || job.AccountID == uuid.Nil {
		return "", fmt.Errorf("mail sync job requires an account id")
	}
	return p.stream.Publish(ctx, StreamMailSync, job)
}

var _ out.MessageProducer = (*Producer)(nil)
