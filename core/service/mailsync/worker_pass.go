package mailsync

import (
	"context"
	"time"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/core/service/aggregate"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// pass is the state of one reconciliation run for one account.
type pass struct {
	r       *Reconciler
	account *domain.Account
	client  out.MailProvider

	result  *domain.SyncResult
	touched aggregate.KeySet

	// incomplete is set when listed work was not applied. The stored
	// position must then stay where it was.
	incomplete bool

	// progress counters written to the tracker
	total   int
	current int
}

func (r *Reconciler) newPass(account *domain.Account, client out.MailProvider) *pass {
	return &pass{
		r:       r,
		account: account,
		client:  client,
		result: &domain.SyncResult{
			AccountID: account.ID,
			StartedAt: r.now().UTC(),
		},
		touched: make(aggregate.KeySet),
	}
}

// =============================================================================
// Full Sync
// =============================================================================

// full enumerates the mailbox, fetches every header set and replaces the
// mirror wholesale. An empty or failed enumeration leaves the mirror alone.
func (p *pass) full(ctx context.Context, opts domain.SyncOptions) error {
	p.result.Method = domain.SyncMethodFull
	accountID := p.account.ID

	limit := p.r.cfg.FullSyncCap
	if opts.MaxMessages > 0 {
		limit = opts.MaxMessages
	}

	// Taken before listing so changes made while we enumerate replay on the
	// next delta pass.
	cursor := p.currentCursor(ctx)

	ids, err := p.listAll(ctx, &out.ListFilter{PageSize: p.r.cfg.PageSize}, limit)
	if err != nil {
		if out.IsAuthError(err) {
			return err
		}
		logger.Warn("[Reconciler.full] account=%s listing stopped after %d ids: %v", accountID, len(ids), err)
		p.result.Warning = domain.WarningListingFailed
		return nil
	}
	if len(ids) == 0 {
		p.result.Warning = domain.WarningEmptyMailbox
		return nil
	}

	p.setTotal(ctx, len(ids))
	raws, unfetched, err := p.fetchHeaders(ctx, ids)
	if err != nil {
		return err
	}
	msgs := p.r.normalizer.NormalizeAll(accountID, raws)
	if len(msgs) == 0 {
		p.result.Warning = domain.WarningFetchFailed
		return nil
	}
	// Listed ids we could not fetch keep their current row.
	msgs = append(msgs, p.mirrored(ctx, unfetched)...)

	previous, err := p.r.messages.ListIDs(ctx, accountID)
	if err != nil {
		logger.Warn("[Reconciler.full] account=%s list mirror ids: %v", accountID, err)
	}

	now := p.r.now()
	build := func(written []*domain.Message) []*domain.SenderAggregate {
		return aggregate.Accumulate(accountID, written, now)
	}
	stats, err := p.r.mirror.ReplaceMirror(ctx, accountID, msgs, build, p.r.cfg.StoreBatch)
	if err != nil {
		logger.Error("[Reconciler.full] account=%s replace mirror: %v", accountID, err)
		p.result.FailedWrites++
		p.result.Warning = domain.WarningReplaceFailed
		return nil
	}
	p.result.FailedWrites += stats.FailedBatches
	if stats.FailedBatches > 0 {
		p.incomplete = true
	}
	if len(stats.FailedSenders) > 0 {
		rs := p.r.maintainer.Recompute(ctx, accountID, stats.FailedSenders)
		logger.Warn("[Reconciler.full] account=%s recomputed %d senders after failed batch (%d failed again)",
			accountID, len(stats.FailedSenders), rs.Failed)
	}

	written := make(map[string]bool, len(stats.InsertedIDs))
	for _, id := range stats.InsertedIDs {
		written[id] = true
	}
	old := make(map[string]bool, len(previous))
	for _, id := range previous {
		old[id] = true
		if !written[id] {
			p.result.DeletedCount++
		}
	}
	for id := range written {
		if !old[id] {
			p.result.AddedCount++
		}
	}
	p.result.TouchedSenders = stats.InsertedSenders + len(stats.FailedSenders)

	p.finish(ctx, cursor)
	return nil
}

// =============================================================================
// Incremental Sync
// =============================================================================

// incremental applies the change feed when a cursor is stored and falls
// back to a timestamp window otherwise or when the feed fails.
func (p *pass) incremental(ctx context.Context) error {
	accountID := p.account.ID

	if p.account.HasCursor() {
		changes, err := p.client.GetChangesSince(ctx, *p.account.Cursor)
		switch {
		case err != nil && out.IsAuthError(err):
			return err
		case err != nil:
			logger.Warn("[Reconciler.incremental] account=%s change feed failed, falling back: %v", accountID, err)
		case changes.Expired:
			logger.Info("[Reconciler.incremental] account=%s cursor expired, falling back to timestamp window", accountID)
		default:
			if err := p.applyChanges(ctx, changes); err != nil {
				return err
			}
			cursor := changes.NewCursor
			if cursor == "" {
				cursor = p.currentCursor(ctx)
			}
			p.finishIncremental(ctx, cursor)
			return nil
		}
	}

	cursor := p.currentCursor(ctx)
	if err := p.timestampFallback(ctx); err != nil {
		return err
	}
	p.finishIncremental(ctx, cursor)
	return nil
}

// applyChanges processes a change-feed delta. Removals win over additions
// of the same id.
func (p *pass) applyChanges(ctx context.Context, changes *out.ChangeSet) error {
	p.result.Method = domain.SyncMethodDelta
	accountID := p.account.ID

	removed := dedupe(changes.Removed)
	gone := make(map[string]bool, len(removed))
	for _, id := range removed {
		gone[id] = true
	}
	p.removeMessages(ctx, removed)

	added := make([]string, 0, len(changes.Added))
	for _, id := range dedupe(changes.Added) {
		if !gone[id] {
			added = append(added, id)
		}
	}
	newIDs, err := p.filterExisting(ctx, added)
	if err != nil {
		logger.Warn("[Reconciler.applyChanges] account=%s existing ids: %v", accountID, err)
		newIDs = added
	}

	logger.Debug("[Reconciler.applyChanges] account=%s added=%d (new=%d) removed=%d",
		accountID, len(added), len(newIDs), len(removed))
	return p.insertNew(ctx, newIDs)
}

// timestampFallback re-lists messages received since the last sync minus a
// buffer and inserts the ones the mirror does not have.
func (p *pass) timestampFallback(ctx context.Context) error {
	p.result.Method = domain.SyncMethodTimestamp
	accountID := p.account.ID

	since := p.r.now().Add(-p.r.cfg.FallbackBuffer)
	if p.account.LastSyncedAt != nil {
		since = p.account.LastSyncedAt.Add(-p.r.cfg.FallbackBuffer)
	}

	filter := &out.ListFilter{ReceivedAfter: &since, PageSize: p.r.cfg.PageSize}
	ids, err := p.listAll(ctx, filter, p.r.cfg.FallbackCap)
	if err != nil {
		if out.IsAuthError(err) {
			return err
		}
		logger.Warn("[Reconciler.timestampFallback] account=%s listing stopped after %d ids: %v", accountID, len(ids), err)
		p.result.Warning = domain.WarningPartialListing
		p.incomplete = true
	}

	newIDs, err := p.filterExisting(ctx, ids)
	if err != nil {
		logger.Warn("[Reconciler.timestampFallback] account=%s existing ids: %v", accountID, err)
		newIDs = ids
	}

	logger.Debug("[Reconciler.timestampFallback] account=%s since=%s listed=%d new=%d",
		accountID, since.Format(time.RFC3339), len(ids), len(newIDs))
	return p.insertNew(ctx, newIDs)
}

func (p *pass) finishIncremental(ctx context.Context, cursor string) {
	keys := p.touched.Keys()
	p.result.TouchedSenders = len(keys)
	if len(keys) > 0 {
		stats := p.r.maintainer.Recompute(ctx, p.account.ID, keys)
		if stats.Failed > 0 {
			logger.Warn("[Reconciler] account=%s %d of %d sender recomputes failed", p.account.ID, stats.Failed, len(keys))
		}
	}
	p.finish(ctx, cursor)
}

// finish stores the new position unless the pass left work behind, in
// which case the previous cursor and sync time stay so the next pass
// replays the same window. Replays are safe because inserts skip known ids.
func (p *pass) finish(ctx context.Context, cursor string) {
	if p.incomplete {
		logger.Warn("[Reconciler] account=%s pass incomplete, keeping previous sync position", p.account.ID)
		if p.result.Warning == "" {
			p.result.Warning = domain.WarningIncomplete
		}
		return
	}
	p.markSynced(ctx, cursor)
}

// =============================================================================
// Steps
// =============================================================================

// listAll pages through the provider until it stops returning a
// continuation or limit distinct ids are collected. On error the ids listed
// so far are returned with it.
func (p *pass) listAll(ctx context.Context, filter *out.ListFilter, limit int) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	pageCursor := ""

	for {
		page, err := p.client.ListMessages(ctx, pageCursor, filter)
		if err != nil {
			return ids, err
		}
		for _, id := range page.IDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if page.NextCursor == "" || page.NextCursor == pageCursor {
			return ids, nil
		}
		pageCursor = page.NextCursor
	}
}

// fetchHeaders fetches ids in chunks and drops sent, draft, trash and spam
// messages. Ids that could not be fetched are returned alongside; only an
// auth failure is returned as an error.
func (p *pass) fetchHeaders(ctx context.Context, ids []string) ([]*out.RawMessage, []string, error) {
	raws := make([]*out.RawMessage, 0, len(ids))
	var unfetched []string
	for _, chunk := range chunk(ids, p.r.cfg.FetchChunk) {
		batch, err := p.client.BatchFetchHeaders(ctx, chunk)
		if err != nil {
			if out.IsAuthError(err) {
				return nil, nil, err
			}
			logger.Warn("[Reconciler.fetchHeaders] account=%s chunk of %d failed: %v", p.account.ID, len(chunk), err)
			p.result.FailedFetches += len(chunk)
			p.incomplete = true
			unfetched = append(unfetched, chunk...)
			p.advance(ctx, len(chunk))
			continue
		}
		p.result.FailedFetches += len(batch.Failed)
		unfetched = append(unfetched, batch.Failed...)
		for _, raw := range batch.Messages {
			if raw == nil || domain.IsExcluded(raw.Labels) {
				continue
			}
			raws = append(raws, raw)
		}
		p.advance(ctx, len(chunk))
	}
	return raws, unfetched, nil
}

// mirrored returns the stored rows for ids, skipping ids not mirrored.
func (p *pass) mirrored(ctx context.Context, ids []string) []*domain.Message {
	var rows []*domain.Message
	for _, batch := range chunk(ids, p.r.cfg.StoreBatch) {
		got, err := p.r.messages.GetByIDs(ctx, p.account.ID, batch)
		if err != nil {
			logger.Warn("[Reconciler] account=%s load %d unfetched rows: %v", p.account.ID, len(batch), err)
			p.incomplete = true
			continue
		}
		rows = append(rows, got...)
	}
	return rows
}

// insertNew fetches, normalizes and inserts ids in store-sized batches.
// Every message of a written batch counts as touched; only rows the store
// reports as new count as added.
func (p *pass) insertNew(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	p.setTotal(ctx, len(ids))

	raws, _, err := p.fetchHeaders(ctx, ids)
	if err != nil {
		return err
	}
	msgs := p.r.normalizer.NormalizeAll(p.account.ID, raws)

	for i, batch := range chunk(msgs, p.r.cfg.StoreBatch) {
		inserted, err := p.r.messages.InsertBatch(ctx, p.account.ID, batch)
		if err != nil {
			logger.Warn("[Reconciler.insertNew] account=%s batch %d (%d rows) failed: %v", p.account.ID, i, len(batch), err)
			p.result.FailedWrites++
			p.incomplete = true
			continue
		}
		p.result.AddedCount += len(inserted)
		p.touched.AddMessages(batch)
	}
	return nil
}

// removeMessages deletes mirrored rows and records their sender keys.
func (p *pass) removeMessages(ctx context.Context, ids []string) {
	for i, batch := range chunk(ids, p.r.cfg.StoreBatch) {
		rows, err := p.r.messages.GetByIDs(ctx, p.account.ID, batch)
		if err != nil {
			logger.Warn("[Reconciler.removeMessages] account=%s batch %d lookup failed: %v", p.account.ID, i, err)
			p.result.FailedWrites++
			p.incomplete = true
			continue
		}
		if len(rows) == 0 {
			continue
		}
		n, err := p.r.messages.DeleteByIDs(ctx, p.account.ID, batch)
		if err != nil {
			logger.Warn("[Reconciler.removeMessages] account=%s batch %d delete failed: %v", p.account.ID, i, err)
			p.result.FailedWrites++
			p.incomplete = true
			continue
		}
		p.result.DeletedCount += n
		p.touched.AddMessages(rows)
	}
}

// filterExisting returns the ids the mirror does not hold yet.
func (p *pass) filterExisting(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fresh := make([]string, 0, len(ids))
	for _, batch := range chunk(ids, p.r.cfg.StoreBatch) {
		existing, err := p.r.messages.ExistingIDs(ctx, p.account.ID, batch)
		if err != nil {
			return nil, err
		}
		for _, id := range batch {
			if !existing[id] {
				fresh = append(fresh, id)
			}
		}
	}
	return fresh, nil
}

// currentCursor asks the provider for a cursor marking now. Failure is
// logged and yields "", which clears the stored cursor.
func (p *pass) currentCursor(ctx context.Context) string {
	cursor, err := p.client.CurrentCursor(ctx)
	if err != nil {
		logger.Warn("[Reconciler] account=%s could not obtain change cursor: %v", p.account.ID, err)
		return ""
	}
	return cursor
}

func (p *pass) markSynced(ctx context.Context, cursor string) {
	var stored *string
	if cursor != "" {
		stored = &cursor
		p.result.CursorRefreshed = true
	}
	if err := p.r.accounts.MarkSynced(ctx, p.account.ID, p.r.now().UTC(), stored); err != nil {
		logger.Error("[Reconciler] account=%s mark synced: %v", p.account.ID, err)
		p.result.FailedWrites++
	}
}

// =============================================================================
// Progress
// =============================================================================

func (p *pass) setTotal(ctx context.Context, total int) {
	p.total, p.current = total, 0
	if err := p.r.progress.SetTotal(ctx, p.account.ID, total); err != nil {
		logger.Debug("[Reconciler] progress total for %s: %v", p.account.ID, err)
	}
}

func (p *pass) advance(ctx context.Context, n int) {
	p.current += n
	if p.current > p.total {
		p.current = p.total
	}
	if err := p.r.progress.SetCurrent(ctx, p.account.ID, p.current); err != nil {
		logger.Debug("[Reconciler] progress current for %s: %v", p.account.ID, err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique
}
