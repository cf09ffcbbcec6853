// Package memstore is an in-memory mirror store for service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

var (
	_ out.AccountRepository = (*Store)(nil)
	_ out.MessageRepository = (*Store)(nil)
	_ out.SenderRepository  = (*Store)(nil)
	_ out.MirrorRepository  = (*Store)(nil)
)

// Store holds accounts, messages and aggregates in maps.
type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
	messages map[uuid.UUID]map[string]*domain.Message
	senders  map[uuid.UUID]map[domain.SenderKey]*domain.SenderAggregate

	// FailInsert, when set, is consulted before every InsertBatch and
	// ReplaceMirror message batch. A non-nil error fails that batch.
	FailInsert func(batch []*domain.Message) error
	// FailUpsert, when set, is consulted before every aggregate Upsert and
	// ReplaceMirror aggregate.
	FailUpsert func(agg *domain.SenderAggregate) error
}

func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*domain.Account),
		messages: make(map[uuid.UUID]map[string]*domain.Message),
		senders:  make(map[uuid.UUID]map[domain.SenderKey]*domain.SenderAggregate),
	}
}

// =============================================================================
// Accounts
// =============================================================================

// PutAccount stores a copy of a.
func (s *Store) PutAccount(a *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListConnected(ctx context.Context, limit int) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*domain.Account
	for _, a := range s.accounts {
		if a.IsConnected() {
			cp := *a
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		ti, tj := list[i].LastSyncedAt, list[j].LastSyncedAt
		if ti == nil || tj == nil {
			return ti == nil && tj != nil
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Status = status
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time, cursor *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	t := syncedAt
	a.LastSyncedAt = &t
	if cursor == nil {
		a.Cursor = nil
	} else {
		c := *cursor
		a.Cursor = &c
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

// PutMessages stores msgs, replacing rows with the same id.
func (s *Store) PutMessages(msgs ...*domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.accountMessages(m.AccountID)[m.ProviderMessageID] = copyMessage(m)
	}
}

func (s *Store) accountMessages(accountID uuid.UUID) map[string]*domain.Message {
	rows, ok := s.messages[accountID]
	if !ok {
		rows = make(map[string]*domain.Message)
		s.messages[accountID] = rows
	}
	return rows
}

func (s *Store) ListIDs(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.messages[accountID]))
	for id := range s.messages[accountID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ExistingIDs(ctx context.Context, accountID uuid.UUID, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.messages[accountID][id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (s *Store) GetByIDs(ctx context.Context, accountID uuid.UUID, ids []string) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*domain.Message
	for _, id := range ids {
		if m, ok := s.messages[accountID][id]; ok {
			msgs = append(msgs, copyMessage(m))
		}
	}
	return msgs, nil
}

func (s *Store) ListBySender(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*domain.Message
	for _, m := range s.messages[accountID] {
		if m.SenderKey() == key {
			msgs = append(msgs, copyMessage(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	return msgs, nil
}

func (s *Store) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[accountID]), nil
}

func (s *Store) InsertBatch(ctx context.Context, accountID uuid.UUID, msgs []*domain.Message) ([]string, error) {
	if s.FailInsert != nil {
		if err := s.FailInsert(msgs); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.accountMessages(accountID)
	var inserted []string
	for _, m := range msgs {
		if _, ok := rows[m.ProviderMessageID]; ok {
			continue
		}
		rows[m.ProviderMessageID] = copyMessage(m)
		inserted = append(inserted, m.ProviderMessageID)
	}
	return inserted, nil
}

func (s *Store) DeleteByIDs(ctx context.Context, accountID uuid.UUID, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.messages[accountID][id]; ok {
			delete(s.messages[accountID], id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RemoveLabel(ctx context.Context, accountID uuid.UUID, ids []string, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.messages[accountID][id]
		if !ok {
			continue
		}
		kept := m.Labels[:0]
		for _, l := range m.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		m.Labels = kept
	}
	return nil
}

// =============================================================================
// Senders
// =============================================================================

func (s *Store) accountSenders(accountID uuid.UUID) map[domain.SenderKey]*domain.SenderAggregate {
	rows, ok := s.senders[accountID]
	if !ok {
		rows = make(map[domain.SenderKey]*domain.SenderAggregate)
		s.senders[accountID] = rows
	}
	return rows
}

func (s *Store) Get(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) (*domain.SenderAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.senders[accountID][key]
	if !ok {
		return nil, nil
	}
	cp := *agg
	return &cp, nil
}

func (s *Store) Upsert(ctx context.Context, agg *domain.SenderAggregate) error {
	if s.FailUpsert != nil {
		if err := s.FailUpsert(agg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agg
	s.accountSenders(agg.AccountID)[agg.SenderKey] = &cp
	return nil
}

func (s *Store) Delete(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.senders[accountID], key)
	return nil
}

func (s *Store) CountSenders(ctx context.Context, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders[accountID]), nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*domain.SenderAggregate, 0, len(s.senders[accountID]))
	for _, agg := range s.senders[accountID] {
		cp := *agg
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].MessageCount != list[j].MessageCount {
			return list[i].MessageCount > list[j].MessageCount
		}
		if list[i].Email != list[j].Email {
			return list[i].Email < list[j].Email
		}
		return list[i].Name < list[j].Name
	})
	if offset >= len(list) {
		return []*domain.SenderAggregate{}, nil
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Sender returns the aggregate for key or nil. Test helper.
func (s *Store) Sender(accountID uuid.UUID, key domain.SenderKey) *domain.SenderAggregate {
	agg, _ := s.Get(context.Background(), accountID, key)
	return agg
}

// =============================================================================
// Mirror replacement
// =============================================================================

func (s *Store) ReplaceMirror(ctx context.Context, accountID uuid.UUID, msgs []*domain.Message, build out.AggregateBuilder, batchSize int) (*out.ReplaceStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	stats := &out.ReplaceStats{}
	rows := make(map[string]*domain.Message, len(msgs))
	var written []*domain.Message
	for start := 0; start < len(msgs); start += batchSize {
		end := min(start+batchSize, len(msgs))
		batch := msgs[start:end]
		if s.FailInsert != nil {
			if err := s.FailInsert(batch); err != nil {
				stats.FailedBatches++
				continue
			}
		}
		for _, m := range batch {
			if _, ok := rows[m.ProviderMessageID]; ok {
				continue
			}
			rows[m.ProviderMessageID] = copyMessage(m)
			written = append(written, m)
			stats.InsertedIDs = append(stats.InsertedIDs, m.ProviderMessageID)
		}
	}
	stats.InsertedMessages = len(stats.InsertedIDs)

	var aggs []*domain.SenderAggregate
	if build != nil {
		aggs = build(written)
	}
	senders := make(map[domain.SenderKey]*domain.SenderAggregate, len(aggs))
	for _, agg := range aggs {
		if s.FailUpsert != nil {
			if err := s.FailUpsert(agg); err != nil {
				stats.FailedBatches++
				stats.FailedSenders = append(stats.FailedSenders, agg.SenderKey)
				continue
			}
		}
		cp := *agg
		senders[agg.SenderKey] = &cp
		stats.InsertedSenders++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats.DeletedMessages = len(s.messages[accountID])
	s.messages[accountID] = rows
	s.senders[accountID] = senders
	return stats, nil
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.Labels = append([]string(nil), m.Labels...)
	return &cp
}
