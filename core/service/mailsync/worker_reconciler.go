// Package mailsync reconciles the local mirror of a mailbox with the
// provider.
package mailsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/core/service/aggregate"
	"github.com/owdub1/cleaninbox-sub002/core/service/normalize"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

var _ in.SyncService = (*Reconciler)(nil)

// Stores groups the mirror repositories the Reconciler writes.
type Stores struct {
	Accounts out.AccountRepository
	Messages out.MessageRepository
	Senders  out.SenderRepository
	Mirror   out.MirrorRepository
}

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler decides between Full and Incremental Sync per account and runs
// the chosen pass under an account lease.
type Reconciler struct {
	accounts out.AccountRepository
	messages out.MessageRepository
	senders  out.SenderRepository
	mirror   out.MirrorRepository

	providers out.ProviderFactory
	locker    out.LeaseLocker
	progress  out.ProgressTracker

	maintainer *aggregate.Maintainer
	normalizer *normalize.Normalizer

	cfg Config
	now func() time.Time
}

func NewReconciler(
	stores Stores,
	providers out.ProviderFactory,
	locker out.LeaseLocker,
	progress out.ProgressTracker,
	cfg Config,
) *Reconciler {
	return &Reconciler{
		accounts:   stores.Accounts,
		messages:   stores.Messages,
		senders:    stores.Senders,
		mirror:     stores.Mirror,
		providers:  providers,
		locker:     locker,
		progress:   progress,
		maintainer: aggregate.NewMaintainer(stores.Messages, stores.Senders),
		normalizer: normalize.New(),
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

func leaseKey(accountID uuid.UUID) string {
	return domain.AccountLeaseKey(accountID)
}

// SyncAccount runs one pass for the account. Provider trouble other than a
// lost grant is reported inside the result; a lost grant flips the account
// to expired and returns a reconnect-required error.
func (r *Reconciler) SyncAccount(ctx context.Context, accountID uuid.UUID, opts domain.SyncOptions) (*domain.SyncResult, error) {
	lease, err := r.locker.Acquire(ctx, leaseKey(accountID), r.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, out.ErrLeaseHeld) {
			return nil, apperr.SyncInProgress(accountID.String())
		}
		return nil, apperr.ExternalError("lease", err)
	}
	defer r.release(ctx, accountID, lease)

	// 1. Account state
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.DatabaseError("get account", err)
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}
	switch account.Status {
	case domain.StatusDisconnected:
		return nil, apperr.NotConnected(account.Email)
	case domain.StatusExpired:
		return nil, apperr.ReconnectRequired(account.Email, nil)
	}

	// 2. Provider client bound to this account
	client, err := r.providers.ForAccount(ctx, account)
	if err != nil {
		if out.IsAuthError(err) {
			return nil, r.reconnectRequired(ctx, account, err)
		}
		return nil, apperr.ExternalError(string(account.Provider), err)
	}

	// 3. Pass
	pass := r.newPass(account, client)
	state := account.SyncState()
	logger.Info("[Reconciler.SyncAccount] account=%s provider=%s state=%s", accountID, account.Provider, state)

	if state == domain.StateNeverSynced {
		err = pass.full(ctx, opts)
	} else {
		err = pass.incremental(ctx)
	}
	if err != nil {
		if out.IsAuthError(err) {
			return nil, r.reconnectRequired(ctx, account, err)
		}
		return nil, err
	}

	// 4. Result
	result := pass.result
	if total, err := r.senders.CountSenders(ctx, accountID); err != nil {
		logger.Warn("[Reconciler.SyncAccount] count senders for %s: %v", accountID, err)
	} else {
		result.TotalSenders = total
	}
	result.FinishedAt = r.now().UTC()

	if result.HasWarning() {
		logger.Warn("[Reconciler.SyncAccount] account=%s method=%s warning=%q", accountID, result.Method, result.Warning)
	}
	logger.Info("[Reconciler.SyncAccount] account=%s method=%s added=%d deleted=%d senders=%d failed_fetches=%d failed_writes=%d in %v",
		accountID, result.Method, result.AddedCount, result.DeletedCount, result.TotalSenders,
		result.FailedFetches, result.FailedWrites, result.Duration())
	return result, nil
}

// GetSyncProgress returns the counter pair of the running or last pass.
func (r *Reconciler) GetSyncProgress(ctx context.Context, accountID uuid.UUID) (domain.SyncProgress, error) {
	prog, err := r.progress.Get(ctx, accountID)
	if err != nil {
		return domain.SyncProgress{}, apperr.ExternalError("progress", err)
	}
	return prog, nil
}

// GetAccount returns the account or a not-found error.
func (r *Reconciler) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.DatabaseError("get account", err)
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}
	return account, nil
}

func (r *Reconciler) reconnectRequired(ctx context.Context, account *domain.Account, cause error) error {
	logger.Warn("[Reconciler] account %s lost authorization: %v", account.ID, cause)
	if err := r.accounts.UpdateStatus(ctx, account.ID, domain.StatusExpired); err != nil {
		logger.Error("[Reconciler] failed to mark account %s expired: %v", account.ID, err)
	}
	return apperr.ReconnectRequired(account.Email, cause)
}

func (r *Reconciler) release(ctx context.Context, accountID uuid.UUID, lease out.Lease) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lease.Release(releaseCtx); err != nil {
		logger.Warn("[Reconciler] release lease for %s: %v", accountID, err)
	}
}
