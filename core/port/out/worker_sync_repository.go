package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// =============================================================================
// Local Mirror Store
// =============================================================================

// AccountRepository persists connected accounts.
type AccountRepository interface {
	// GetByID returns nil, nil when the account does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	// ListConnected returns connected accounts ordered by least recently
	// synced first.
	ListConnected(ctx context.Context, limit int) ([]*domain.Account, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus) error
	// MarkSynced stores the completion time and the cursor for the next
	// pass. A nil cursor clears the stored one.
	MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time, cursor *string) error
}

// MessageRepository persists mirrored messages keyed by
// (account, provider message id).
type MessageRepository interface {
	ListIDs(ctx context.Context, accountID uuid.UUID) ([]string, error)
	// ExistingIDs returns the subset of ids already mirrored.
	ExistingIDs(ctx context.Context, accountID uuid.UUID, ids []string) (map[string]bool, error)
	GetByIDs(ctx context.Context, accountID uuid.UUID, ids []string) ([]*domain.Message, error)
	ListBySender(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) ([]*domain.Message, error)
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)

	// InsertBatch inserts one batch and returns the ids that were new. Ids
	// already present are skipped without error.
	InsertBatch(ctx context.Context, accountID uuid.UUID, msgs []*domain.Message) ([]string, error)
	// DeleteByIDs returns the number of rows removed.
	DeleteByIDs(ctx context.Context, accountID uuid.UUID, ids []string) (int, error)
	RemoveLabel(ctx context.Context, accountID uuid.UUID, ids []string, label string) error
}

// SenderRepository persists sender aggregates keyed by
// (account, sender email, sender name).
type SenderRepository interface {
	Get(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) (*domain.SenderAggregate, error)
	Upsert(ctx context.Context, agg *domain.SenderAggregate) error
	Delete(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) error
	CountSenders(ctx context.Context, accountID uuid.UUID) (int, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error)
}

// MirrorRepository performs the wholesale replacement used by Full Sync.
type MirrorRepository interface {
	// ReplaceMirror deletes every message and aggregate row of the account
	// and inserts msgs in batches of batchSize. Batches that fail are skipped
	// and counted. build receives only the rows that were written and its
	// aggregates are stored in the same transaction.
	ReplaceMirror(ctx context.Context, accountID uuid.UUID, msgs []*domain.Message, build AggregateBuilder, batchSize int) (*ReplaceStats, error)
}

// AggregateBuilder folds written message rows into sender aggregates.
type AggregateBuilder func(written []*domain.Message) []*domain.SenderAggregate

// ReplaceStats reports the outcome of ReplaceMirror.
type ReplaceStats struct {
	DeletedMessages  int
	InsertedMessages int
	InsertedSenders  int
	FailedBatches    int

	// InsertedIDs are the provider ids now in the mirror.
	InsertedIDs []string
	// FailedSenders are the aggregate keys whose batch was rolled back.
	FailedSenders []domain.SenderKey
}
