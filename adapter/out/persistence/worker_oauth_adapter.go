package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// TokenAdapter implements out.TokenRepository using PostgreSQL. Token
// values arrive already encrypted.
type TokenAdapter struct {
	db *sqlx.DB
}

// NewTokenAdapter creates a new TokenAdapter.
func NewTokenAdapter(db *sqlx.DB) *TokenAdapter {
	return &TokenAdapter{db: db}
}

// Get returns the stored tokens for the account.
func (a *TokenAdapter) Get(ctx context.Context, userID uuid.UUID, accountEmail string) (*out.TokenEntity, error) {
	var entity out.TokenEntity
	query := `
		SELECT user_id, provider, account_email, access_token, refresh_token, token_type, expiry, updated_at
		FROM oauth_tokens
		WHERE user_id = $1 AND account_email = $2
	`
	if err := a.db.GetContext(ctx, &entity, query, userID, strings.ToLower(accountEmail)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entity, nil
}

// Save upserts tokens.
func (a *TokenAdapter) Save(ctx context.Context, entity *out.TokenEntity) error {
	if entity.UserID == uuid.Nil || entity.AccountEmail == "" {
		return ErrInvalidInput
	}
	entity.AccountEmail = strings.ToLower(entity.AccountEmail)
	entity.UpdatedAt = time.Now()

	query := `
		INSERT INTO oauth_tokens (user_id, provider, account_email, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (:user_id, :provider, :account_email, :access_token, :refresh_token, :token_type, :expiry, :updated_at)
		ON CONFLICT (user_id, account_email) DO UPDATE SET
			provider = EXCLUDED.provider,
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN oauth_tokens.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			updated_at = EXCLUDED.updated_at
	`
	_, err := a.db.NamedExecContext(ctx, query, entity)
	return err
}

var _ out.TokenRepository = (*TokenAdapter)(nil)
