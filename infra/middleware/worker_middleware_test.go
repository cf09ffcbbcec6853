package middleware

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/response"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), Recover())
	for _, h := range handlers {
		app.Use(h)
	}
	app.Get("/me", func(c *fiber.Ctx) error {
		id, _ := UserID(c)
		return c.SendString(id.String())
	})
	return app
}

func decode(t *testing.T, body io.Reader) response.Response {
	t.Helper()
	var r response.Response
	require.NoError(t, json.NewDecoder(body).Decode(&r))
	return r
}

func TestJWTAuth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	revocations := NewRevocationList(client)
	app := newApp(JWTAuth(AuthConfig{Secret: testSecret, Revocations: revocations}))

	userID := uuid.New()
	valid := signToken(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(time.Hour).Unix(), "jti": "t1"})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", 401},
		{"wrong scheme", "Basic " + valid, 401},
		{"garbage token", "Bearer abc.def.ghi", 401},
		{"expired", "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(-time.Hour).Unix()}), 401},
		{"no exp", "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String()}), 401},
		{"non-uuid subject", "Bearer " + signToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}), 401},
		{"valid", "Bearer " + valid, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			if tt.status == 200 {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, userID.String(), string(body))
			} else {
				r := decode(t, resp.Body)
				assert.False(t, r.Success)
				assert.Equal(t, apperr.CodeUnauthorized, r.Error.Code)
				assert.NotEmpty(t, r.RequestID)
			}
		})
	}

	t.Run("revoked", func(t *testing.T) {
		require.NoError(t, revocations.Revoke(context.Background(), "t1", time.Hour))
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
	})
}

type stubLimiter struct {
	allow bool
	keys  []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	s.keys = append(s.keys, key)
	return s.allow, 1500 * time.Millisecond
}

func (s *stubLimiter) Limit() int { return 5 }

func TestRateLimit(t *testing.T) {
	userID := uuid.New()
	setUser := func(c *fiber.Ctx) error {
		c.Locals(LocalUserID, userID)
		return c.Next()
	}

	t.Run("allowed", func(t *testing.T) {
		limiter := &stubLimiter{allow: true}
		app := newApp(setUser, RateLimit(limiter, "sync"))
		resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, []string{"sync:user:" + userID.String()}, limiter.keys)
	})

	t.Run("limited", func(t *testing.T) {
		app := newApp(setUser, RateLimit(&stubLimiter{}, "sync"))
		resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
		require.NoError(t, err)
		assert.Equal(t, 429, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("Retry-After"))
		assert.Equal(t, apperr.CodeRateLimited, decode(t, resp.Body).Error.Code)
	})

	t.Run("anonymous falls back to ip", func(t *testing.T) {
		limiter := &stubLimiter{allow: true}
		app := newApp(RateLimit(limiter, "sync"))
		_, err := app.Test(httptest.NewRequest("GET", "/me", nil))
		require.NoError(t, err)
		require.Len(t, limiter.keys, 1)
		assert.Contains(t, limiter.keys[0], "sync:ip:")
	})
}

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), Recover())
	app.Get("/conflict", func(c *fiber.Ctx) error { return apperr.SyncInProgress("acc") })
	app.Get("/fiber", func(c *fiber.Ctx) error { return fiber.ErrBadRequest })
	app.Get("/plain", func(c *fiber.Ctx) error { return io.ErrUnexpectedEOF })
	app.Get("/panic", func(c *fiber.Ctx) error { panic("boom") })

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/conflict", 409, apperr.CodeSyncInProgress},
		{"/fiber", 400, apperr.CodeBadRequest},
		{"/plain", 500, apperr.CodeInternalError},
		{"/panic", 500, apperr.CodeInternalError},
		{"/missing", 404, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("X-Request-ID", "req-1")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			r := decode(t, resp.Body)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
		})
	}
}
