package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// ErrLeaseHeld is returned when another pass owns the account lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// LeaseLocker grants per-account mutual exclusion with expiry.
type LeaseLocker interface {
	// Acquire returns a Lease or ErrLeaseHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is a no-op once the lease expired or was
// taken over.
type Lease interface {
	Release(ctx context.Context) error
}

// ProgressTracker stores the {total, current} counter pair of a running pass.
type ProgressTracker interface {
	SetTotal(ctx context.Context, accountID uuid.UUID, total int) error
	SetCurrent(ctx context.Context, accountID uuid.UUID, current int) error
	Get(ctx context.Context, accountID uuid.UUID) (domain.SyncProgress, error)
	Clear(ctx context.Context, accountID uuid.UUID) error
}
