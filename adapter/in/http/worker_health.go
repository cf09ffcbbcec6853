package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/owdub1/cleaninbox-sub002/pkg/metrics"
)

type HealthHandler struct {
	db      *sqlx.DB
	redis   *redis.Client
	metrics *metrics.Registry
}

// NewHealthHandler creates a HealthHandler. Any dependency may be nil.
func NewHealthHandler(db *sqlx.DB, redis *redis.Client, reg *metrics.Registry) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, metrics: reg}
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics reports in-process counters, latency windows and pool usage.
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	body := fiber.Map{}
	if h.metrics != nil {
		for k, v := range h.metrics.Snapshot() {
			body[k] = v
		}
	}
	if h.db != nil {
		health, stats := metrics.DBPoolSnapshot(h.db.DB)
		body["db_pool"] = fiber.Map{"health": health, "stats": stats}
	}
	return c.JSON(body)
}
