// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// MessageAdapter implements out.MessageRepository over mirror_messages.
type MessageAdapter struct {
	db *sqlx.DB
}

// NewMessageAdapter creates a new MessageAdapter.
func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

// messageRow represents the database row for mirrored messages.
type messageRow struct {
	AccountID         uuid.UUID      `db:"account_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	ThreadID          string         `db:"thread_id"`
	SenderEmail       string         `db:"sender_email"`
	SenderName        string         `db:"sender_name"`
	Subject           string         `db:"subject"`
	Snippet           string         `db:"snippet"`
	ReceivedAt        time.Time      `db:"received_at"`
	Unread            bool           `db:"unread"`
	Labels            pq.StringArray `db:"labels"`
	UnsubscribeLink   string         `db:"unsubscribe_link"`
	UnsubscribeMailto string         `db:"unsubscribe_mailto"`
	OneClick          bool           `db:"one_click"`
	IsNewsletter      bool           `db:"is_newsletter"`
	IsPromotional     bool           `db:"is_promotional"`
}

func newMessageRow(accountID uuid.UUID, m *domain.Message) messageRow {
	labels := m.Labels
	if labels == nil {
		labels = []string{}
	}
	return messageRow{
		AccountID:         accountID,
		ProviderMessageID: m.ProviderMessageID,
		ThreadID:          m.ThreadID,
		SenderEmail:       m.SenderEmail,
		SenderName:        m.SenderName,
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		ReceivedAt:        m.ReceivedAt,
		Unread:            m.Unread,
		Labels:            pq.StringArray(labels),
		UnsubscribeLink:   m.Unsubscribe.Link,
		UnsubscribeMailto: m.Unsubscribe.Mailto,
		OneClick:          m.Unsubscribe.OneClick,
		IsNewsletter:      m.IsNewsletter,
		IsPromotional:     m.IsPromotional,
	}
}

func (r *messageRow) toDomain() *domain.Message {
	return &domain.Message{
		AccountID:         r.AccountID,
		ProviderMessageID: r.ProviderMessageID,
		ThreadID:          r.ThreadID,
		SenderEmail:       r.SenderEmail,
		SenderName:        r.SenderName,
		Subject:           r.Subject,
		Snippet:           r.Snippet,
		ReceivedAt:        r.ReceivedAt,
		Unread:            r.Unread,
		Labels:            []string(r.Labels),
		Unsubscribe: domain.UnsubscribeDirective{
			Link:     r.UnsubscribeLink,
			Mailto:   r.UnsubscribeMailto,
			OneClick: r.OneClick,
		},
		IsNewsletter:  r.IsNewsletter,
		IsPromotional: r.IsPromotional,
	}
}

const messageColumns = `account_id, provider_message_id, thread_id, sender_email, sender_name,
	subject, snippet, received_at, unread, labels, unsubscribe_link, unsubscribe_mailto,
	one_click, is_newsletter, is_promotional`

const insertMessagesQuery = `
	INSERT INTO mirror_messages (` + messageColumns + `)
	VALUES (:account_id, :provider_message_id, :thread_id, :sender_email, :sender_name,
		:subject, :snippet, :received_at, :unread, :labels, :unsubscribe_link, :unsubscribe_mailto,
		:one_click, :is_newsletter, :is_promotional)
	ON CONFLICT (account_id, provider_message_id) DO NOTHING
	RETURNING provider_message_id`

// =============================================================================
// Reads
// =============================================================================

func (a *MessageAdapter) ListIDs(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	var ids []string
	query := `SELECT provider_message_id FROM mirror_messages WHERE account_id = $1`
	if err := a.db.SelectContext(ctx, &ids, query, accountID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *MessageAdapter) ExistingIDs(ctx context.Context, accountID uuid.UUID, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	var found []string
	query := `
		SELECT provider_message_id FROM mirror_messages
		WHERE account_id = $1 AND provider_message_id = ANY($2)
	`
	if err := a.db.SelectContext(ctx, &found, query, accountID, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

func (a *MessageAdapter) GetByIDs(ctx context.Context, accountID uuid.UUID, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + messageColumns + ` FROM mirror_messages
		WHERE account_id = $1 AND provider_message_id = ANY($2)
	`
	return a.selectMessages(ctx, query, accountID, pq.Array(ids))
}

func (a *MessageAdapter) ListBySender(ctx context.Context, accountID uuid.UUID, key domain.SenderKey) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM mirror_messages
		WHERE account_id = $1 AND sender_email = $2 AND sender_name = $3
		ORDER BY received_at DESC
	`
	return a.selectMessages(ctx, query, accountID, key.Email, key.Name)
}

func (a *MessageAdapter) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM mirror_messages WHERE account_id = $1`, accountID)
	return n, err
}

func (a *MessageAdapter) selectMessages(ctx context.Context, query string, args ...interface{}) ([]*domain.Message, error) {
	var rows []messageRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	msgs := make([]*domain.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toDomain()
	}
	return msgs, nil
}

// =============================================================================
// Writes
// =============================================================================

// InsertBatch inserts msgs in one statement and returns the ids that were
// new.
func (a *MessageAdapter) InsertBatch(ctx context.Context, accountID uuid.UUID, msgs []*domain.Message) ([]string, error) {
	return insertMessages(ctx, a.db, accountID, msgs)
}

func (a *MessageAdapter) DeleteByIDs(ctx context.Context, accountID uuid.UUID, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM mirror_messages WHERE account_id = $1 AND provider_message_id = ANY($2)`
	res, err := a.db.ExecContext(ctx, query, accountID, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (a *MessageAdapter) RemoveLabel(ctx context.Context, accountID uuid.UUID, ids []string, label string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE mirror_messages SET labels = array_remove(labels, $3)
		WHERE account_id = $1 AND provider_message_id = ANY($2)
	`
	_, err := a.db.ExecContext(ctx, query, accountID, pq.Array(ids), label)
	return err
}

// insertMessages runs the bulk insert on db or a transaction.
func insertMessages(ctx context.Context, q sqlx.ExtContext, accountID uuid.UUID, msgs []*domain.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	rows := make([]messageRow, len(msgs))
	for i, m := range msgs {
		rows[i] = newMessageRow(accountID, m)
	}

	query, args, err := sqlx.Named(insertMessagesQuery, rows)
	if err != nil {
		return nil, err
	}
	var inserted []string
	if err := sqlx.SelectContext(ctx, q, &inserted, q.Rebind(query), args...); err != nil {
		return nil, err
	}
	return inserted, nil
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
