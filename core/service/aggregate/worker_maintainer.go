// Package aggregate keeps sender rollups in step with the message mirror.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// =============================================================================
// Maintainer - Sender Aggregate Maintenance
// =============================================================================

// Maintainer recomputes sender aggregates from mirrored messages.
type Maintainer struct {
	messages out.MessageRepository
	senders  out.SenderRepository
	now      func() time.Time
}

func NewMaintainer(messages out.MessageRepository, senders out.SenderRepository) *Maintainer {
	return &Maintainer{
		messages: messages,
		senders:  senders,
		now:      time.Now,
	}
}

// RecomputeStats reports a Recompute run.
type RecomputeStats struct {
	Upserted int
	Deleted  int
	Failed   int
}

// Recompute rebuilds the aggregate of every given key from the mirror. A
// key with no remaining messages loses its aggregate row. Per-key failures
// are logged and counted; they do not stop the run.
func (m *Maintainer) Recompute(ctx context.Context, accountID uuid.UUID, keys []domain.SenderKey) *RecomputeStats {
	stats := &RecomputeStats{}
	for _, key := range SortedKeys(keys) {
		if ctx.Err() != nil {
			stats.Failed++
			continue
		}
		deleted, err := m.recomputeOne(ctx, accountID, key)
		if err != nil {
			logger.Warn("[Maintainer.Recompute] sender %s/%q: %v", key.Email, key.Name, err)
			stats.Failed++
			continue
		}
		if deleted {
			stats.Deleted++
		} else {
			stats.Upserted++
		}
	}
	return stats
}

func (m *Maintainer) recomputeOne(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) (bool, error) {
	msgs, err := m.messages.ListBySender(ctx, accountID, key)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		if err := m.senders.Delete(ctx, accountID, key); err != nil {
			return false, fmt.Errorf("delete aggregate: %w", err)
		}
		return true, nil
	}

	agg := domain.NewSenderAggregate(accountID, key)
	for _, msg := range msgs {
		agg.Add(msg)
	}
	agg.UpdatedAt = m.now().UTC()

	if err := m.senders.Upsert(ctx, agg); err != nil {
		return false, fmt.Errorf("upsert aggregate: %w", err)
	}
	return false, nil
}

// =============================================================================
// In-memory accumulation (Full Sync)
// =============================================================================

// Accumulate folds msgs into fresh aggregates, one per sender key, ordered
// by email then name.
func Accumulate(accountID uuid.UUID, msgs []*domain.Message, now time.Time) []*domain.SenderAggregate {
	byKey := make(map[domain.SenderKey]*domain.SenderAggregate)
	for _, msg := range msgs {
		key := msg.SenderKey()
		agg, ok := byKey[key]
		if !ok {
			agg = domain.NewSenderAggregate(accountID, key)
			byKey[key] = agg
		}
		agg.Add(msg)
	}

	aggs := make([]*domain.SenderAggregate, 0, len(byKey))
	for _, agg := range byKey {
		agg.UpdatedAt = now.UTC()
		aggs = append(aggs, agg)
	}
	sort.Slice(aggs, func(i, j int) bool {
		return lessKey(aggs[i].SenderKey, aggs[j].SenderKey)
	})
	return aggs
}

// KeySet collects distinct sender keys.
type KeySet map[domain.SenderKey]struct{}

// AddMessages records the sender key of every message.
func (s KeySet) AddMessages(msgs []*domain.Message) {
	for _, msg := range msgs {
		s[msg.SenderKey()] = struct{}{}
	}
}

// Keys returns the set in a stable order.
func (s KeySet) Keys() []domain.SenderKey {
	keys := make([]domain.SenderKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return SortedKeys(keys)
}

// SortedKeys returns keys deduplicated and ordered by email then name.
func SortedKeys(keys []domain.SenderKey) []domain.SenderKey {
	seen := make(map[domain.SenderKey]bool, len(keys))
	sorted := make([]domain.SenderKey, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return lessKey(sorted[i], sorted[j]) })
	return sorted
}

func lessKey(a, b domain.SenderKey) bool {
	if a.Email != b.Email {
		return a.Email < b.Email
	}
	return a.Name < b.Name
}
