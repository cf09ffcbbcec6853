package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/internal/memstore"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(accountID uuid.UUID, id, email, name string, day int, unread bool, unsub string) *domain.Message {
	return &domain.Message{
		AccountID:         accountID,
		ProviderMessageID: id,
		SenderEmail:       email,
		SenderName:        name,
		ReceivedAt:        base.AddDate(0, 0, day),
		Unread:            unread,
		Unsubscribe:       domain.UnsubscribeDirective{Link: unsub},
	}
}

func TestRecompute_FoldsMessages(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	accountID := uuid.New()
	key := domain.SenderKey{Email: "news@shop.example", Name: "Shop"}

	store.PutMessages(
		msg(accountID, "a", key.Email, key.Name, 3, true, "https://shop.example/old"),
		msg(accountID, "b", key.Email, key.Name, 1, false, ""),
		msg(accountID, "c", key.Email, key.Name, 7, true, "https://shop.example/new"),
		msg(accountID, "d", key.Email, "Other", 2, true, ""),
	)

	m := NewMaintainer(store, store)
	stats := m.Recompute(ctx, accountID, []domain.SenderKey{key, key})
	if stats.Upserted != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want one upsert", stats)
	}

	agg := store.Sender(accountID, key)
	if agg == nil {
		t.Fatal("aggregate missing")
	}
	if agg.MessageCount != 3 || agg.UnreadCount != 2 {
		t.Errorf("counts = %d/%d, want 3/2", agg.MessageCount, agg.UnreadCount)
	}
	if !agg.FirstSeenAt.Equal(base.AddDate(0, 0, 1)) || !agg.LastSeenAt.Equal(base.AddDate(0, 0, 7)) {
		t.Errorf("seen = %v..%v", agg.FirstSeenAt, agg.LastSeenAt)
	}
	if agg.UnsubscribeLink != "https://shop.example/new" {
		t.Errorf("UnsubscribeLink = %q, want most recent", agg.UnsubscribeLink)
	}
	if store.Sender(accountID, domain.SenderKey{Email: key.Email, Name: "Other"}) != nil {
		t.Error("untouched key must not be written")
	}
}

func TestRecompute_DeletesEmptySender(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	accountID := uuid.New()
	key := domain.SenderKey{Email: "gone@example.com"}

	_ = store.Upsert(ctx, &domain.SenderAggregate{AccountID: accountID, SenderKey: key, MessageCount: 4})

	stats := NewMaintainer(store, store).Recompute(ctx, accountID, []domain.SenderKey{key})
	if stats.Deleted != 1 {
		t.Fatalf("stats = %+v, want one delete", stats)
	}
	if store.Sender(accountID, key) != nil {
		t.Error("aggregate with zero messages must be removed")
	}
}

func TestRecompute_CountsFailures(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	accountID := uuid.New()
	ok := domain.SenderKey{Email: "a@example.com"}
	bad := domain.SenderKey{Email: "b@example.com"}
	store.PutMessages(
		msg(accountID, "1", ok.Email, "", 0, false, ""),
		msg(accountID, "2", bad.Email, "", 0, false, ""),
	)
	store.FailUpsert = func(agg *domain.SenderAggregate) error {
		if agg.SenderKey == bad {
			return errors.New("boom")
		}
		return nil
	}

	stats := NewMaintainer(store, store).Recompute(ctx, accountID, []domain.SenderKey{bad, ok})
	if stats.Upserted != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 upserted 1 failed", stats)
	}
	if store.Sender(accountID, ok) == nil {
		t.Error("failure of one key must not block the others")
	}
}

func TestAccumulate(t *testing.T) {
	accountID := uuid.New()
	now := base.AddDate(0, 1, 0)
	msgs := []*domain.Message{
		msg(accountID, "1", "b@example.com", "", 2, true, ""),
		msg(accountID, "2", "a@example.com", "Zed", 1, false, "https://a.example/u"),
		msg(accountID, "3", "a@example.com", "Amy", 5, false, ""),
		msg(accountID, "4", "b@example.com", "", 4, false, ""),
		msg(accountID, "5", "", "", 3, false, ""),
	}

	aggs := Accumulate(accountID, msgs, now)
	if len(aggs) != 4 {
		t.Fatalf("len = %d, want 4", len(aggs))
	}

	wantOrder := []domain.SenderKey{
		{},
		{Email: "a@example.com", Name: "Amy"},
		{Email: "a@example.com", Name: "Zed"},
		{Email: "b@example.com"},
	}
	for i, want := range wantOrder {
		if aggs[i].SenderKey != want {
			t.Errorf("aggs[%d] = %+v, want %+v", i, aggs[i].SenderKey, want)
		}
		if !aggs[i].UpdatedAt.Equal(now) {
			t.Errorf("aggs[%d].UpdatedAt = %v", i, aggs[i].UpdatedAt)
		}
	}

	b := aggs[3]
	if b.MessageCount != 2 || b.UnreadCount != 1 {
		t.Errorf("b counts = %d/%d", b.MessageCount, b.UnreadCount)
	}
	if !aggs[2].CanUnsubscribe() {
		t.Error("Zed should carry the unsubscribe link")
	}
}

func TestKeySet(t *testing.T) {
	accountID := uuid.New()
	set := KeySet{}
	set.AddMessages([]*domain.Message{
		msg(accountID, "1", "b@example.com", "", 0, false, ""),
		msg(accountID, "2", "a@example.com", "", 0, false, ""),
		msg(accountID, "3", "b@example.com", "", 0, false, ""),
	})
	keys := set.Keys()
	if len(keys) != 2 || keys[0].Email != "a@example.com" || keys[1].Email != "b@example.com" {
		t.Errorf("Keys() = %+v", keys)
	}
}
