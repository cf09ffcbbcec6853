package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

var accountCols = []string{"id", "user_id", "provider", "email", "status", "last_synced_at", "sync_cursor", "created_at", "updated_at"}

// =============================================================================
// AccountAdapter
// =============================================================================

func TestAccountAdapter_GetByIDMissing(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM mail_accounts WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(accountCols))

	account, err := NewAccountAdapter(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, account)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountAdapter_ListConnected(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	fresh, stale := uuid.New(), uuid.New()

	mock.ExpectQuery(`WHERE status = 'connected'\s+ORDER BY last_synced_at ASC NULLS FIRST\s+LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(fresh.String(), uuid.NewString(), "gmail", "a@x.com", "connected", nil, nil, now, now).
			AddRow(stale.String(), uuid.NewString(), "outlook", "b@x.com", "connected", now, "https://graph/delta", now, now))

	accounts, err := NewAccountAdapter(db).ListConnected(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, fresh, accounts[0].ID)
	assert.Nil(t, accounts[0].LastSyncedAt)
	assert.False(t, accounts[0].HasCursor())

	assert.Equal(t, domain.ProviderOutlook, accounts[1].Provider)
	require.NotNil(t, accounts[1].Cursor)
	assert.Equal(t, "https://graph/delta", *accounts[1].Cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountAdapter_MarkSyncedClearsCursor(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(`UPDATE mail_accounts SET`).
		WithArgs(id.String(), at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewAccountAdapter(db).MarkSynced(context.Background(), id, at, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountAdapter_UpdateStatusUnknownAccount(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE mail_accounts SET status = \$2`).
		WithArgs(id.String(), "expired").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewAccountAdapter(db).UpdateStatus(context.Background(), id, domain.StatusExpired)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// MessageAdapter
// =============================================================================

func TestMessageAdapter_InsertBatchReturnsNewIDs(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()
	msgs := []*domain.Message{
		{ProviderMessageID: "m1", SenderEmail: "a@x.com", ReceivedAt: time.Now()},
		{ProviderMessageID: "m2", SenderEmail: "a@x.com", ReceivedAt: time.Now(), Labels: []string{"INBOX"}},
	}

	// Both rows go out in one statement; m1 already exists.
	mock.ExpectQuery(`INSERT INTO mirror_messages .* VALUES \(\$1, .*\),\s*\(\$16, .*ON CONFLICT \(account_id, provider_message_id\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"provider_message_id"}).AddRow("m2"))

	ids, err := NewMessageAdapter(db).InsertBatch(context.Background(), accountID, msgs)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageAdapter_ExistingIDs(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()

	mock.ExpectQuery(`provider_message_id = ANY\(\$2\)`).
		WithArgs(accountID.String(), "{\"m1\",\"m2\"}").
		WillReturnRows(sqlmock.NewRows([]string{"provider_message_id"}).AddRow("m2"))

	existing, err := NewMessageAdapter(db).ExistingIDs(context.Background(), accountID, []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m2": true}, existing)

	empty, err := NewMessageAdapter(db).ExistingIDs(context.Background(), accountID, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageAdapter_ListBySenderScansLabels(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()
	at := time.Now().UTC()

	cols := []string{"account_id", "provider_message_id", "thread_id", "sender_email", "sender_name",
		"subject", "snippet", "received_at", "unread", "labels", "unsubscribe_link", "unsubscribe_mailto",
		"one_click", "is_newsletter", "is_promotional"}
	mock.ExpectQuery(`WHERE account_id = \$1 AND sender_email = \$2 AND sender_name = \$3`).
		WithArgs(accountID.String(), "news@x.com", "News").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			accountID.String(), "m1", "t1", "news@x.com", "News",
			"Hello", "snip", at, true, "{INBOX,CATEGORY_PROMOTIONS}", "https://x.com/u", "", true, true, true))

	msgs, err := NewMessageAdapter(db).ListBySender(context.Background(), accountID, domain.SenderKey{Email: "news@x.com", Name: "News"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"INBOX", "CATEGORY_PROMOTIONS"}, msgs[0].Labels)
	assert.True(t, msgs[0].Unsubscribe.OneClick)
	assert.Equal(t, "https://x.com/u", msgs[0].Unsubscribe.Link)
}

func TestMessageAdapter_DeleteByIDs(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()

	mock.ExpectExec(`DELETE FROM mirror_messages WHERE account_id = \$1 AND provider_message_id = ANY\(\$2\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewMessageAdapter(db).DeleteByIDs(context.Background(), accountID, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =============================================================================
// SenderAdapter
// =============================================================================

func TestSenderAdapter_UpsertAndGet(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()
	seen := time.Now().UTC()
	agg := &domain.SenderAggregate{
		AccountID:         accountID,
		SenderKey:         domain.SenderKey{Email: "a@x.com", Name: "A"},
		MessageCount:      3,
		UnsubscribeLink:   "https://x.com/u",
		UnsubscribeSeenAt: &seen,
	}

	mock.ExpectExec(`INSERT INTO sender_aggregates .* ON CONFLICT \(account_id, sender_email, sender_name\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM sender_aggregates`).
		WithArgs(accountID.String(), "missing@x.com", "").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

	adapter := NewSenderAdapter(db)
	require.NoError(t, adapter.Upsert(context.Background(), agg))

	got, err := adapter.Get(context.Background(), accountID, domain.SenderKey{Email: "missing@x.com"})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// MirrorAdapter
// =============================================================================

func TestMirrorAdapter_FailedBatchIsSkipped(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()
	now := time.Now()
	msgs := []*domain.Message{
		{ProviderMessageID: "m1", SenderEmail: "a@x.com", ReceivedAt: now},
		{ProviderMessageID: "m2", SenderEmail: "a@x.com", ReceivedAt: now},
	}
	var built []string
	build := func(written []*domain.Message) []*domain.SenderAggregate {
		agg := domain.NewSenderAggregate(accountID, domain.SenderKey{Email: "a@x.com"})
		for _, m := range written {
			built = append(built, m.ProviderMessageID)
			agg.Add(m)
		}
		return []*domain.SenderAggregate{agg}
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM mirror_messages`).WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`DELETE FROM sender_aggregates`).WillReturnResult(sqlmock.NewResult(0, 3))

	mock.ExpectExec(`SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO mirror_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"provider_message_id"}).AddRow("m1"))
	mock.ExpectExec(`RELEASE SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO mirror_messages`).WillReturnError(errors.New("value too long"))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sender_aggregates`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`RELEASE SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	stats, err := NewMirrorAdapter(db).ReplaceMirror(context.Background(), accountID, msgs, build, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.DeletedMessages)
	assert.Equal(t, 1, stats.InsertedMessages)
	assert.Equal(t, []string{"m1"}, stats.InsertedIDs)
	assert.Equal(t, []string{"m1"}, built, "aggregates must only see written rows")
	assert.Equal(t, 1, stats.InsertedSenders)
	assert.Equal(t, 1, stats.FailedBatches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorAdapter_FailedSenderBatchIsReported(t *testing.T) {
	db, mock := newMockDB(t)
	accountID := uuid.New()
	msgs := []*domain.Message{{ProviderMessageID: "m1", SenderEmail: "a@x.com", ReceivedAt: time.Now()}}
	build := func(written []*domain.Message) []*domain.SenderAggregate {
		agg := domain.NewSenderAggregate(accountID, written[0].SenderKey())
		agg.Add(written[0])
		return []*domain.SenderAggregate{agg}
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM mirror_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM sender_aggregates`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO mirror_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"provider_message_id"}).AddRow("m1"))
	mock.ExpectExec(`RELEASE SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sender_aggregates`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT mirror_batch`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	stats, err := NewMirrorAdapter(db).ReplaceMirror(context.Background(), accountID, msgs, build, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.SenderKey{{Email: "a@x.com"}}, stats.FailedSenders)
	assert.Zero(t, stats.InsertedSenders)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorAdapter_DeleteFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM mirror_messages`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := NewMirrorAdapter(db).ReplaceMirror(context.Background(), uuid.New(), nil, nil, 10)
	assert.ErrorContains(t, err, "delete messages")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Migrate
// =============================================================================

func TestMigrate_AppliesPendingOnce(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS mail_accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("0001_mirror").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_mirror"}, ran)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001_mirror"))

	ran, err = Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapters_RejectInvalidInputWithoutQuerying(t *testing.T) {
	db, mock := newMockDB(t)

	err := NewTokenAdapter(db).Save(context.Background(), &out.TokenEntity{AccountEmail: "a@x.com"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = NewAccountAdapter(db).Create(context.Background(), &domain.Account{Provider: domain.ProviderGmail})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.NoError(t, mock.ExpectationsWereMet())
}
