package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrNotConnected is returned when no usable tokens exist for an account.
var ErrNotConnected = errors.New("account not connected")

// TokenProvider yields a valid access token, refreshing and persisting new
// tokens transparently.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID uuid.UUID, accountEmail string) (*oauth2.Token, error)
}

// TokenRepository stores OAuth tokens per (user, account email).
type TokenRepository interface {
	// Get returns nil, nil when no tokens are stored.
	Get(ctx context.Context, userID uuid.UUID, accountEmail string) (*TokenEntity, error)
	Save(ctx context.Context, entity *TokenEntity) error
}

// TokenEntity represents stored OAuth tokens. Token fields hold ciphertext.
type TokenEntity struct {
	UserID       uuid.UUID `db:"user_id"`
	Provider     string    `db:"provider"`
	AccountEmail string    `db:"account_email"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	Expiry       time.Time `db:"expiry"`
	UpdatedAt    time.Time `db:"updated_at"`
}
