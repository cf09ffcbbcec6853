package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// SenderAdapter implements out.SenderRepository over sender_aggregates.
type SenderAdapter struct {
	db *sqlx.DB
}

// NewSenderAdapter creates a new SenderAdapter.
func NewSenderAdapter(db *sqlx.DB) *SenderAdapter {
	return &SenderAdapter{db: db}
}

// senderRow represents the database row for sender aggregates.
type senderRow struct {
	AccountID         uuid.UUID    `db:"account_id"`
	SenderEmail       string       `db:"sender_email"`
	SenderName        string       `db:"sender_name"`
	MessageCount      int          `db:"message_count"`
	UnreadCount       int          `db:"unread_count"`
	FirstSeenAt       time.Time    `db:"first_seen_at"`
	LastSeenAt        time.Time    `db:"last_seen_at"`
	UnsubscribeLink   string       `db:"unsubscribe_link"`
	UnsubscribeMailto string       `db:"unsubscribe_mailto"`
	OneClick          bool         `db:"one_click"`
	UnsubscribeSeenAt sql.NullTime `db:"unsubscribe_seen_at"`
	IsNewsletter      bool         `db:"is_newsletter"`
	IsPromotional     bool         `db:"is_promotional"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

func newSenderRow(agg *domain.SenderAggregate) senderRow {
	row := senderRow{
		AccountID:         agg.AccountID,
		SenderEmail:       agg.Email,
		SenderName:        agg.Name,
		MessageCount:      agg.MessageCount,
		UnreadCount:       agg.UnreadCount,
		FirstSeenAt:       agg.FirstSeenAt,
		LastSeenAt:        agg.LastSeenAt,
		UnsubscribeLink:   agg.UnsubscribeLink,
		UnsubscribeMailto: agg.UnsubscribeMailto,
		OneClick:          agg.OneClick,
		IsNewsletter:      agg.IsNewsletter,
		IsPromotional:     agg.IsPromotional,
		UpdatedAt:         agg.UpdatedAt,
	}
	if agg.UnsubscribeSeenAt != nil {
		row.UnsubscribeSeenAt = sql.NullTime{Time: *agg.UnsubscribeSeenAt, Valid: true}
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	return row
}

func (r *senderRow) toDomain() *domain.SenderAggregate {
	agg := &domain.SenderAggregate{
		AccountID:         r.AccountID,
		SenderKey:         domain.SenderKey{Email: r.SenderEmail, Name: r.SenderName},
		MessageCount:      r.MessageCount,
		UnreadCount:       r.UnreadCount,
		FirstSeenAt:       r.FirstSeenAt,
		LastSeenAt:        r.LastSeenAt,
		UnsubscribeLink:   r.UnsubscribeLink,
		UnsubscribeMailto: r.UnsubscribeMailto,
		OneClick:          r.OneClick,
		IsNewsletter:      r.IsNewsletter,
		IsPromotional:     r.IsPromotional,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.UnsubscribeSeenAt.Valid {
		t := r.UnsubscribeSeenAt.Time
		agg.UnsubscribeSeenAt = &t
	}
	return agg
}

const senderColumns = `account_id, sender_email, sender_name, message_count, unread_count,
	first_seen_at, last_seen_at, unsubscribe_link, unsubscribe_mailto, one_click,
	unsubscribe_seen_at, is_newsletter, is_promotional, updated_at`

const insertSendersQuery = `
	INSERT INTO sender_aggregates (` + senderColumns + `)
	VALUES (:account_id, :sender_email, :sender_name, :message_count, :unread_count,
		:first_seen_at, :last_seen_at, :unsubscribe_link, :unsubscribe_mailto, :one_click,
		:unsubscribe_seen_at, :is_newsletter, :is_promotional, :updated_at)`

const upsertSenderQuery = insertSendersQuery + `
	ON CONFLICT (account_id, sender_email, sender_name) DO UPDATE SET
		message_count = EXCLUDED.message_count,
		unread_count = EXCLUDED.unread_count,
		first_seen_at = EXCLUDED.first_seen_at,
		last_seen_at = EXCLUDED.last_seen_at,
		unsubscribe_link = EXCLUDED.unsubscribe_link,
		unsubscribe_mailto = EXCLUDED.unsubscribe_mailto,
		one_click = EXCLUDED.one_click,
		unsubscribe_seen_at = EXCLUDED.unsubscribe_seen_at,
		is_newsletter = EXCLUDED.is_newsletter,
		is_promotional = EXCLUDED.is_promotional,
		updated_at = EXCLUDED.updated_at`

func (a *SenderAdapter) Get(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) (*domain.SenderAggregate, error) {
	var row senderRow
	query := `
		SELECT ` + senderColumns + ` FROM sender_aggregates
		WHERE account_id = $1 AND sender_email = $2 AND sender_name = $3
	`
	if err := a.db.GetContext(ctx, &row, query, accountID, key.Email, key.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *SenderAdapter) Upsert(ctx context.Context, agg *domain.SenderAggregate) error {
	_, err := a.db.NamedExecContext(ctx, upsertSenderQuery, newSenderRow(agg))
	return err
}

func (a *SenderAdapter) Delete(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) error {
	query := `DELETE FROM sender_aggregates WHERE account_id = $1 AND sender_email = $2 AND sender_name = $3`
	_, err := a.db.ExecContext(ctx, query, accountID, key.Email, key.Name)
	return err
}

func (a *SenderAdapter) CountSenders(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sender_aggregates WHERE account_id = $1`, accountID)
	return n, err
}

// ListByAccount pages through aggregates, largest senders first.
func (a *SenderAdapter) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []senderRow
	query := `
		SELECT ` + senderColumns + ` FROM sender_aggregates
		WHERE account_id = $1
		ORDER BY message_count DESC, sender_email, sender_name
		LIMIT $2 OFFSET $3
	`
	if err := a.db.SelectContext(ctx, &rows, query, accountID, limit, offset); err != nil {
		return nil, err
	}
	aggs := make([]*domain.SenderAggregate, len(rows))
	for i := range rows {
		aggs[i] = rows[i].toDomain()
	}
	return aggs, nil
}

// insertSenders bulk-inserts aggregates into an emptied table.
func insertSenders(ctx context.Context, q sqlx.ExtContext, aggs []*domain.SenderAggregate) (int, error) {
	if len(aggs) == 0 {
		return 0, nil
	}
	rows := make([]senderRow, len(aggs))
	for i, agg := range aggs {
		rows[i] = newSenderRow(agg)
	}
	query, args, err := sqlx.Named(insertSendersQuery, rows)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ out.SenderRepository = (*SenderAdapter)(nil)
