package in

import (
	"context"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// SyncService is the driving port of the sync engine.
type SyncService interface {
	// SyncAccount runs one reconciliation pass. The only error class that
	// is returned for provider trouble is reconnect-required.
	SyncAccount(ctx context.Context, accountID uuid.UUID, opts domain.SyncOptions) (*domain.SyncResult, error)
	GetSyncProgress(ctx context.Context, accountID uuid.UUID) (domain.SyncProgress, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
}

// SenderService exposes sender aggregates and bulk actions on them.
type SenderService interface {
	ListSenders(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error)
	ApplySenderAction(ctx context.Context, accountID uuid.UUID, key domain.SenderKey, op domain.MutationOp) (*domain.SenderActionResult, error)
}
