package out

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MailSyncJob is the payload of a queued sync request.
type MailSyncJob struct {
	AccountID   uuid.UUID `json:"account_id"`
	MaxMessages int       `json:"max_messages,omitempty"`
	Reason      string    `json:"reason,omitempty"` // "schedule", "manual", "retry"
	Retries     int       `json:"retries"`
	NotBefore   time.Time `json:"not_before,omitempty"`
}

// MessageProducer defines the outbound port for the job queue.
type MessageProducer interface {
	PublishMailSync(ctx context.Context, job *MailSyncJob) (string, error)
}
