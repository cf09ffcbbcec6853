package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

type staticTokens struct {
	token *oauth2.Token
	err   error
}

func (s staticTokens) AccessToken(ctx context.Context, userID uuid.UUID, email string) (*oauth2.Token, error) {
	return s.token, s.err
}

func TestForAccount_SelectsClientAndAttachesToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/profile":
			_, _ = w.Write([]byte(`{"historyId":"7"}`))
		default:
			_, _ = w.Write([]byte(`{"value":[],"@odata.deltaLink":"https://graph/delta?t=1"}`))
		}
	}))
	defer srv.Close()

	tokens := staticTokens{token: &oauth2.Token{AccessToken: "tok", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}}
	factory := NewFactory(tokens, FactoryConfig{
		GmailOptions: []option.ClientOption{option.WithEndpoint(srv.URL + "/")},
		GraphBaseURL: srv.URL,
	})

	tests := []struct {
		provider domain.Provider
		cursor   string
	}{
		{domain.ProviderGmail, "7"},
		{domain.ProviderOutlook, "https://graph/delta?t=1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			gotAuth = ""
			client, err := factory.ForAccount(context.Background(), &domain.Account{
				ID: uuid.New(), UserID: uuid.New(), Provider: tt.provider, Email: "me@x.com",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.provider, client.Provider())

			cursor, err := client.CurrentCursor(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.cursor, cursor)
			assert.Equal(t, "Bearer tok", gotAuth)
		})
	}
}

func TestForAccount_Errors(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Provider: domain.ProviderGmail, Email: "me@x.com"}

	_, err := NewFactory(staticTokens{err: out.ErrNotConnected}, FactoryConfig{}).ForAccount(context.Background(), account)
	assert.ErrorIs(t, err, out.ErrNotConnected)

	account.Provider = "yahoo"
	_, err = NewFactory(staticTokens{token: &oauth2.Token{AccessToken: "tok"}}, FactoryConfig{}).ForAccount(context.Background(), account)
	assert.ErrorContains(t, err, "unsupported provider")
}
