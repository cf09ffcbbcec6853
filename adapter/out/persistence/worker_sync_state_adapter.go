package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// =============================================================================
// AccountAdapter - account rows and their sync state
// =============================================================================

type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type accountEntity struct {
	ID           uuid.UUID      `db:"id"`
	UserID       uuid.UUID      `db:"user_id"`
	Provider     string         `db:"provider"`
	Email        string         `db:"email"`
	Status       string         `db:"status"`
	LastSyncedAt sql.NullTime   `db:"last_synced_at"`
	SyncCursor   sql.NullString `db:"sync_cursor"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (e *accountEntity) toDomain() *domain.Account {
	account := &domain.Account{
		ID:        e.ID,
		UserID:    e.UserID,
		Provider:  domain.Provider(e.Provider),
		Email:     e.Email,
		Status:    domain.ConnectionStatus(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.LastSyncedAt.Valid {
		t := e.LastSyncedAt.Time
		account.LastSyncedAt = &t
	}
	if e.SyncCursor.Valid {
		c := e.SyncCursor.String
		account.Cursor = &c
	}
	return account
}

const accountColumns = `id, user_id, provider, email, status, last_synced_at, sync_cursor, created_at, updated_at`

// =============================================================================
// Queries
// =============================================================================

func (a *AccountAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var entity accountEntity
	query := `SELECT ` + accountColumns + ` FROM mail_accounts WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// ListConnected returns connected accounts, never-synced first, then the
// stalest.
func (a *AccountAdapter) ListConnected(ctx context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []accountEntity
	query := `
		SELECT ` + accountColumns + ` FROM mail_accounts
		WHERE status = 'connected'
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $1
	`
	if err := a.db.SelectContext(ctx, &entities, query, limit); err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, len(entities))
	for i := range entities {
		accounts[i] = entities[i].toDomain()
	}
	return accounts, nil
}

// ListByUser returns every account owned by userID.
func (a *AccountAdapter) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error) {
	var entities []accountEntity
	query := `SELECT ` + accountColumns + ` FROM mail_accounts WHERE user_id = $1 ORDER BY created_at`
	if err := a.db.SelectContext(ctx, &entities, query, userID); err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, len(entities))
	for i := range entities {
		accounts[i] = entities[i].toDomain()
	}
	return accounts, nil
}

// =============================================================================
// Mutations
// =============================================================================

// Create inserts a connected account, or reconnects an existing one with
// the same (user, provider, email).
func (a *AccountAdapter) Create(ctx context.Context, account *domain.Account) error {
	if !account.Provider.IsValid() || account.Email == "" {
		return ErrInvalidInput
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = domain.StatusConnected
	}
	account.Email = strings.ToLower(account.Email)

	query := `
		INSERT INTO mail_accounts (id, user_id, provider, email, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider, email) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowxContext(ctx, query,
		account.ID,
		account.UserID,
		string(account.Provider),
		account.Email,
		string(account.Status),
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
}

func (a *AccountAdapter) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus) error {
	query := `UPDATE mail_accounts SET status = $2, updated_at = NOW() WHERE id = $1`
	return expectOne(a.db.ExecContext(ctx, query, id, string(status)))
}

func (a *AccountAdapter) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time, cursor *string) error {
	var c interface{}
	if cursor != nil && *cursor != "" {
		c = *cursor
	}
	query := `
		UPDATE mail_accounts SET
			last_synced_at = $2,
			sync_cursor = $3,
			updated_at = NOW()
		WHERE id = $1
	`
	return expectOne(a.db.ExecContext(ctx, query, id, syncedAt, c))
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account: %w", ErrNotFound)
	}
	return nil
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
