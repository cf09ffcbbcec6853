// Package provider selects the mail client for an account.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/owdub1/cleaninbox-sub002/adapter/out/provider/gmail"
	"github.com/owdub1/cleaninbox-sub002/adapter/out/provider/outlook"
	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/httputil"
	"github.com/owdub1/cleaninbox-sub002/pkg/resilience"
)

// =============================================================================
// Provider Factory
// =============================================================================

// FactoryConfig tunes every client the factory builds.
type FactoryConfig struct {
	PageSize int
	Batch    resilience.BatchConfig

	// Overrides for tests and sovereign clouds.
	GmailOptions []option.ClientOption
	GraphBaseURL string

	// Base clients under the OAuth transport. Nil uses pooled defaults.
	GmailHTTPClient *http.Client
	GraphHTTPClient *http.Client
}

// Factory builds a MailProvider per account. Breakers are shared across
// accounts of the same provider.
type Factory struct {
	tokens       out.TokenProvider
	cfg          FactoryConfig
	gmailBreaker *resilience.Breaker
	graphBreaker *resilience.Breaker
}

// NewFactory creates a Factory.
func NewFactory(tokens out.TokenProvider, cfg FactoryConfig) *Factory {
	if cfg.GmailHTTPClient == nil {
		cfg.GmailHTTPClient = httputil.NewClient(httputil.GmailClientConfig())
	}
	if cfg.GraphHTTPClient == nil {
		cfg.GraphHTTPClient = httputil.NewClient(httputil.OutlookClientConfig())
	}
	return &Factory{
		tokens:       tokens,
		cfg:          cfg,
		gmailBreaker: gmail.NewBreaker(),
		graphBreaker: outlook.NewBreaker(),
	}
}

// ForAccount returns a client bound to the account's credentials. A
// missing or revoked grant surfaces as out.ErrNotConnected.
func (f *Factory) ForAccount(ctx context.Context, account *domain.Account) (out.MailProvider, error) {
	initial, err := f.tokens.AccessToken(ctx, account.UserID, account.Email)
	if err != nil {
		return nil, err
	}
	ts := oauth2.ReuseTokenSource(initial, &accountTokenSource{
		ctx:    context.WithoutCancel(ctx),
		tokens: f.tokens,
		acct:   account,
	})

	switch account.Provider {
	case domain.ProviderGmail:
		authed := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, f.cfg.GmailHTTPClient), ts)
		opts := append([]option.ClientOption{option.WithHTTPClient(authed)}, f.cfg.GmailOptions...)
		return gmail.New(ctx, gmail.Config{
			PageSize: f.cfg.PageSize,
			Batch:    f.cfg.Batch,
			Breaker:  f.gmailBreaker,
		}, opts...)
	case domain.ProviderOutlook:
		authed := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, f.cfg.GraphHTTPClient), ts)
		return outlook.New(authed, outlook.Config{
			BaseURL:  f.cfg.GraphBaseURL,
			PageSize: f.cfg.PageSize,
			Batch:    f.cfg.Batch,
			Breaker:  f.graphBreaker,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", account.Provider)
	}
}

// accountTokenSource re-asks the token provider once the cached token
// expires, so long passes survive an access token rollover.
type accountTokenSource struct {
	ctx    context.Context
	tokens out.TokenProvider
	acct   *domain.Account
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	return s.tokens.AccessToken(s.ctx, s.acct.UserID, s.acct.Email)
}

var _ out.ProviderFactory = (*Factory)(nil)
