// Package oauth keeps per-account OAuth tokens usable.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/crypto"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// refreshSkew refreshes tokens this long before they expire.
const refreshSkew = 5 * time.Minute

// GoogleConfig returns the OAuth client used for Gmail accounts.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftConfig returns the OAuth client used for Outlook accounts.
func MicrosoftConfig(clientID, clientSecret, redirectURL, tenantID string) *oauth2.Config {
	if tenantID == "" {
		tenantID = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.ReadWrite"},
		Endpoint:     microsoft.AzureADEndpoint(tenantID),
	}
}

// TokenProvider implements out.TokenProvider over an encrypted token store.
type TokenProvider struct {
	repo    out.TokenRepository
	enc     *crypto.Encryptor
	configs map[string]*oauth2.Config
	now     func() time.Time

	mu sync.Mutex // serializes refreshes so a rotated refresh token is not raced
}

// NewTokenProvider creates a TokenProvider. A nil config disables that
// provider; its accounts report not-connected once their token expires.
func NewTokenProvider(repo out.TokenRepository, enc *crypto.Encryptor, googleCfg, microsoftCfg *oauth2.Config) *TokenProvider {
	configs := make(map[string]*oauth2.Config)
	if googleCfg != nil {
		configs[string(domain.ProviderGmail)] = googleCfg
	}
	if microsoftCfg != nil {
		configs[string(domain.ProviderOutlook)] = microsoftCfg
	}
	return &TokenProvider{repo: repo, enc: enc, configs: configs, now: time.Now}
}

// AccessToken returns a token valid for at least refreshSkew, refreshing
// and persisting it when needed.
func (p *TokenProvider) AccessToken(ctx context.Context, userID uuid.UUID, accountEmail string) (*oauth2.Token, error) {
	token, entity, err := p.load(ctx, userID, accountEmail)
	if err != nil {
		return nil, err
	}
	if token.AccessToken != "" && token.Expiry.After(p.now().Add(refreshSkew)) {
		return token, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have refreshed while we waited.
	token, entity, err = p.load(ctx, userID, accountEmail)
	if err != nil {
		return nil, err
	}
	if token.AccessToken != "" && token.Expiry.After(p.now().Add(refreshSkew)) {
		return token, nil
	}
	return p.refresh(ctx, entity, token)
}

func (p *TokenProvider) load(ctx context.Context, userID uuid.UUID, accountEmail string) (*oauth2.Token, *out.TokenEntity, error) {
	entity, err := p.repo.Get(ctx, userID, accountEmail)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	if entity == nil {
		return nil, nil, out.ErrNotConnected
	}

	access, err := p.enc.Decrypt(entity.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := p.enc.Decrypt(entity.RefreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    entity.TokenType,
		Expiry:       entity.Expiry,
	}, entity, nil
}

func (p *TokenProvider) refresh(ctx context.Context, entity *out.TokenEntity, token *oauth2.Token) (*oauth2.Token, error) {
	if token.RefreshToken == "" {
		return nil, out.ErrNotConnected
	}
	config, ok := p.configs[entity.Provider]
	if !ok {
		return nil, fmt.Errorf("oauth not configured for provider %q", entity.Provider)
	}

	// Dropping the access token forces the token source to refresh.
	fresh, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken}).Token()
	if err != nil {
		if isRevoked(err) {
			logger.Warn("[TokenProvider.refresh] grant revoked for %s: %v", entity.AccountEmail, err)
			return nil, fmt.Errorf("%w: %v", out.ErrNotConnected, err)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}

	if err := p.Store(ctx, entity.UserID, entity.Provider, entity.AccountEmail, fresh); err != nil {
		logger.Error("[TokenProvider.refresh] failed to persist refreshed token for %s: %v", entity.AccountEmail, err)
	} else {
		logger.Debug("[TokenProvider.refresh] token refreshed for %s", entity.AccountEmail)
	}
	return fresh, nil
}

// Store encrypts and saves token for the account.
func (p *TokenProvider) Store(ctx context.Context, userID uuid.UUID, provider, accountEmail string, token *oauth2.Token) error {
	access, err := p.enc.Encrypt(token.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := p.enc.Encrypt(token.RefreshToken)
	if err != nil {
		return err
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return p.repo.Save(ctx, &out.TokenEntity{
		UserID:       userID,
		Provider:     provider,
		AccountEmail: strings.ToLower(accountEmail),
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenType,
		Expiry:       token.Expiry,
		UpdatedAt:    p.now(),
	})
}

// isRevoked reports a permanent refresh failure.
func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "Token has been expired or revoked")
}

var _ out.TokenProvider = (*TokenProvider)(nil)
