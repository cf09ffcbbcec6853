package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/crypto"
)

type tokenRepo struct {
	rows map[string]*out.TokenEntity
}

func (r *tokenRepo) key(userID uuid.UUID, email string) string {
	return userID.String() + "/" + strings.ToLower(email)
}

func (r *tokenRepo) Get(ctx context.Context, userID uuid.UUID, email string) (*out.TokenEntity, error) {
	e := r.rows[r.key(userID, email)]
	if e == nil {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *tokenRepo) Save(ctx context.Context, e *out.TokenEntity) error {
	cp := *e
	r.rows[r.key(e.UserID, e.AccountEmail)] = &cp
	return nil
}

type fixture struct {
	provider *TokenProvider
	repo     *tokenRepo
	enc      *crypto.Encryptor
	calls    *int32
	userID   uuid.UUID
}

func newFixture(t *testing.T, status int, body string) *fixture {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	enc, err := crypto.NewEncryptor([]byte("test-key"))
	require.NoError(t, err)
	repo := &tokenRepo{rows: map[string]*out.TokenEntity{}}
	cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	return &fixture{
		provider: NewTokenProvider(repo, enc, cfg, nil),
		repo:     repo,
		enc:      enc,
		calls:    &calls,
		userID:   uuid.New(),
	}
}

func (f *fixture) seed(t *testing.T, expiry time.Time) {
	t.Helper()
	require.NoError(t, f.provider.Store(context.Background(), f.userID, "gmail", "Me@Gmail.com", &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       expiry,
	}))
}

func TestAccessToken_ValidTokenSkipsRefresh(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	f.seed(t, time.Now().Add(time.Hour))

	tok, err := f.provider.AccessToken(context.Background(), f.userID, "me@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok.AccessToken)
	assert.Zero(t, atomic.LoadInt32(f.calls))

	stored := f.repo.rows[f.repo.key(f.userID, "me@gmail.com")]
	assert.NotEqual(t, "old-access", stored.AccessToken, "tokens must be stored encrypted")
}

func TestAccessToken_RefreshesAndPersists(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	f.seed(t, time.Now().Add(time.Minute))

	tok, err := f.provider.AccessToken(context.Background(), f.userID, "me@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt32(f.calls))

	stored := f.repo.rows[f.repo.key(f.userID, "me@gmail.com")]
	refresh, err := f.enc.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", refresh)

	// The persisted token is fresh, so a second call does not hit the endpoint.
	_, err = f.provider.AccessToken(context.Background(), f.userID, "me@gmail.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(f.calls))
}

func TestAccessToken_RevokedGrantIsNotConnected(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	f.seed(t, time.Now().Add(-time.Minute))

	_, err := f.provider.AccessToken(context.Background(), f.userID, "me@gmail.com")
	assert.True(t, errors.Is(err, out.ErrNotConnected), "err = %v", err)
	assert.True(t, out.IsAuthError(err))
}

func TestAccessToken_NoTokens(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)

	_, err := f.provider.AccessToken(context.Background(), f.userID, "nobody@gmail.com")
	assert.ErrorIs(t, err, out.ErrNotConnected)
}
