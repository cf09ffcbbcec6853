package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// =============================================================================
// MirrorAdapter - transactional full replacement
// =============================================================================

type MirrorAdapter struct {
	db *sqlx.DB
}

func NewMirrorAdapter(db *sqlx.DB) *MirrorAdapter {
	return &MirrorAdapter{db: db}
}

// ReplaceMirror swaps the account's mirror inside one transaction. Each
// batch runs under a savepoint; a failed batch is rolled back on its own
// and counted while the rest of the replacement proceeds. Aggregates are
// built from the message rows that survived, so a rolled back batch never
// leaves counts behind.
func (a *MirrorAdapter) ReplaceMirror(
	ctx context.Context,
	accountID uuid.UUID,
	msgs []*domain.Message,
	build out.AggregateBuilder,
	batchSize int,
) (*out.ReplaceStats, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	stats := &out.ReplaceStats{}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM mirror_messages WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	deleted, _ := res.RowsAffected()
	stats.DeletedMessages = int(deleted)

	if _, err := tx.ExecContext(ctx, `DELETE FROM sender_aggregates WHERE account_id = $1`, accountID); err != nil {
		return nil, fmt.Errorf("delete senders: %w", err)
	}

	written := make([]*domain.Message, 0, len(msgs))
	for start := 0; start < len(msgs); start += batchSize {
		end := min(start+batchSize, len(msgs))
		batch := msgs[start:end]
		var ids []string
		err := inSavepoint(ctx, tx, func() error {
			var err error
			ids, err = insertMessages(ctx, tx, accountID, batch)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			stats.FailedBatches++
			logger.Warn("[MirrorAdapter.ReplaceMirror] message batch %d-%d failed for %s: %v", start, end, accountID, err)
			continue
		}
		written = append(written, pick(batch, ids)...)
		stats.InsertedIDs = append(stats.InsertedIDs, ids...)
	}
	stats.InsertedMessages = len(stats.InsertedIDs)

	var aggs []*domain.SenderAggregate
	if build != nil {
		aggs = build(written)
	}
	for start := 0; start < len(aggs); start += batchSize {
		end := min(start+batchSize, len(aggs))
		batch := aggs[start:end]
		var n int
		err := inSavepoint(ctx, tx, func() error {
			var err error
			n, err = insertSenders(ctx, tx, batch)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			stats.FailedBatches++
			for _, agg := range batch {
				stats.FailedSenders = append(stats.FailedSenders, agg.SenderKey)
			}
			logger.Warn("[MirrorAdapter.ReplaceMirror] sender batch %d-%d failed for %s: %v", start, end, accountID, err)
			continue
		}
		stats.InsertedSenders += n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// pick returns the messages of batch whose ids were written.
func pick(batch []*domain.Message, ids []string) []*domain.Message {
	byID := make(map[string]*domain.Message, len(batch))
	for _, m := range batch {
		byID[m.ProviderMessageID] = m
	}
	picked := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			picked = append(picked, m)
		}
	}
	return picked
}

// inSavepoint runs fn inside a savepoint so its failure leaves the
// surrounding transaction usable.
func inSavepoint(ctx context.Context, tx *sqlx.Tx, fn func() error) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT mirror_batch`); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT mirror_batch`); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	_, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT mirror_batch`)
	return err
}

var _ out.MirrorRepository = (*MirrorAdapter)(nil)
