// Package cleanup applies bulk actions to every message of a sender.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/core/service/aggregate"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

var _ in.SenderService = (*Service)(nil)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	mutateChunk      = 100
)

// Service lists sender aggregates and runs trash/archive over a sender's
// mirrored messages.
type Service struct {
	accounts   out.AccountRepository
	messages   out.MessageRepository
	senders    out.SenderRepository
	providers  out.ProviderFactory
	locker     out.LeaseLocker
	maintainer *aggregate.Maintainer
	leaseTTL   time.Duration
}

func NewService(
	accounts out.AccountRepository,
	messages out.MessageRepository,
	senders out.SenderRepository,
	providers out.ProviderFactory,
	locker out.LeaseLocker,
	leaseTTL time.Duration,
) *Service {
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Minute
	}
	return &Service{
		accounts:   accounts,
		messages:   messages,
		senders:    senders,
		providers:  providers,
		locker:     locker,
		maintainer: aggregate.NewMaintainer(messages, senders),
		leaseTTL:   leaseTTL,
	}
}

// ListSenders returns aggregates ordered by message count.
func (s *Service) ListSenders(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	aggs, err := s.senders.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperr.DatabaseError("list senders", err)
	}
	return aggs, nil
}

// ApplySenderAction trashes or archives every mirrored message of key. Ids
// the provider rejects are reported in Failed; the mirror and the aggregate
// follow the ids that succeeded.
func (s *Service) ApplySenderAction(ctx context.Context, accountID uuid.UUID, key domain.SenderKey, op domain.MutationOp) (*domain.SenderActionResult, error) {
	if !op.IsValid() {
		return nil, apperr.InvalidInput("op", "must be trash or archive")
	}

	lease, err := s.locker.Acquire(ctx, domain.AccountLeaseKey(accountID), s.leaseTTL)
	if err != nil {
		if errors.Is(err, out.ErrLeaseHeld) {
			return nil, apperr.SyncInProgress(accountID.String())
		}
		return nil, apperr.ExternalError("lease", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[SenderService] release lease for %s: %v", accountID, err)
		}
	}()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.DatabaseError("get account", err)
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}
	if !account.IsConnected() {
		return nil, apperr.ReconnectRequired(account.Email, nil)
	}

	msgs, err := s.messages.ListBySender(ctx, accountID, key)
	if err != nil {
		return nil, apperr.DatabaseError("list sender messages", err)
	}
	result := &domain.SenderActionResult{Sender: key, Op: op, Succeeded: []string{}, Failed: []string{}}
	if len(msgs) == 0 {
		return result, nil
	}

	client, err := s.providers.ForAccount(ctx, account)
	if err != nil {
		return nil, s.providerError(ctx, account, err)
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ProviderMessageID
	}

	for start := 0; start < len(ids); start += mutateChunk {
		batch := ids[start:min(start+mutateChunk, len(ids))]
		res, err := client.MutateMessages(ctx, batch, op)
		if err != nil {
			if out.IsAuthError(err) {
				// Earlier batches already changed the mailbox.
				s.settle(ctx, account, key, op, result.Succeeded)
				return nil, s.providerError(ctx, account, err)
			}
			logger.Warn("[SenderService.ApplySenderAction] account=%s %s batch failed: %v", accountID, op, err)
			result.Failed = append(result.Failed, batch...)
			continue
		}
		result.Succeeded = append(result.Succeeded, res.Succeeded...)
		result.Failed = append(result.Failed, res.Failed...)
	}

	s.settle(ctx, account, key, op, result.Succeeded)

	logger.Info("[SenderService.ApplySenderAction] account=%s sender=%s op=%s succeeded=%d failed=%d",
		accountID, key.Email, op, len(result.Succeeded), len(result.Failed))
	return result, nil
}

// settle applies the ids the provider accepted to the mirror and the
// sender aggregate.
func (s *Service) settle(ctx context.Context, account *domain.Account, key domain.SenderKey, op domain.MutationOp, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.updateMirror(ctx, account, ids, op); err != nil {
		logger.Error("[SenderService] account=%s mirror update: %v", account.ID, err)
	}
	s.maintainer.Recompute(ctx, account.ID, []domain.SenderKey{key})
}

// updateMirror mirrors a successful action. Trash removes rows. Archive
// drops the inbox label on Gmail; the Outlook mirror only holds the inbox
// folder, so archived rows are removed there too.
func (s *Service) updateMirror(ctx context.Context, account *domain.Account, ids []string, op domain.MutationOp) error {
	if op == domain.MutationArchive && account.Provider == domain.ProviderGmail {
		return s.messages.RemoveLabel(ctx, account.ID, ids, domain.LabelInbox)
	}
	_, err := s.messages.DeleteByIDs(ctx, account.ID, ids)
	return err
}

func (s *Service) providerError(ctx context.Context, account *domain.Account, err error) error {
	if !out.IsAuthError(err) {
		return apperr.ExternalError(string(account.Provider), err)
	}
	if uerr := s.accounts.UpdateStatus(ctx, account.ID, domain.StatusExpired); uerr != nil {
		logger.Error("[SenderService] failed to mark account %s expired: %v", account.ID, uerr)
	}
	return apperr.ReconnectRequired(account.Email, err)
}
