package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

const (
	LocalUserID    = "user_id"
	LocalUserEmail = "user_email"
)

// RevocationList keeps revoked token ids (jti) in Redis until they expire.
type RevocationList struct {
	redis  *redis.Client
	prefix string
}

func NewRevocationList(client *redis.Client) *RevocationList {
	return &RevocationList{redis: client, prefix: "token:revoked:"}
}

func (r *RevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if r == nil || r.redis == nil {
		return nil
	}
	return r.redis.Set(ctx, r.prefix+jti, "1", ttl).Err()
}

// IsRevoked fails open when Redis is unavailable.
func (r *RevocationList) IsRevoked(ctx context.Context, jti string) bool {
	if r == nil || r.redis == nil || jti == "" {
		return false
	}
	n, err := r.redis.Exists(ctx, r.prefix+jti).Result()
	if err != nil {
		logger.WithError(err).Warn("[JWTAuth] Revocation lookup failed")
		return false
	}
	return n > 0
}

// AuthConfig configures JWTAuth.
type AuthConfig struct {
	Secret      string
	Revocations *RevocationList
	// Leeway tolerates clock skew on exp/iat.
	Leeway time.Duration
}

// JWTAuth validates an HS256 bearer token and stores the subject as the
// caller's user id.
func JWTAuth(cfg AuthConfig) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		if cfg.Secret == "" {
			return nil, fmt.Errorf("JWT secret not configured")
		}
		return []byte(cfg.Secret), nil
	}

	return func(c *fiber.Ctx) error {
		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("[JWTAuth] Token validation failed")
			return apperr.Unauthorized("invalid token")
		}

		if jti, _ := claims["jti"].(string); cfg.Revocations.IsRevoked(c.UserContext(), jti) {
			return apperr.Unauthorized("token has been revoked")
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return apperr.Unauthorized("missing user id in token")
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return apperr.Unauthorized("invalid user id format")
		}

		email, _ := claims["email"].(string)
		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserEmail, email)
		return c.Next()
	}
}

// UserID returns the authenticated caller, or false outside JWTAuth.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(LocalUserID).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
