package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
)

// Limiter is satisfied by ratelimit.SlidingWindowLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
	Limit() int
}

// RateLimit throttles a route per authenticated user, falling back to the
// client IP before JWTAuth has run. scope separates the buckets of
// different routes.
func RateLimit(limiter Limiter, scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := scope + ":ip:" + c.IP()
		if userID, ok := UserID(c); ok {
			key = scope + ":user:" + userID.String()
		}

		allowed, retryAfter := limiter.Allow(c.UserContext(), key)
		c.Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		if !allowed {
			secs := int(retryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			return apperr.RateLimited(retryAfter)
		}
		return c.Next()
	}
}
