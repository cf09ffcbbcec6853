package bootstrap

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/owdub1/cleaninbox-sub002/adapter/in/http"
	"github.com/owdub1/cleaninbox-sub002/config"
	"github.com/owdub1/cleaninbox-sub002/infra/middleware"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/ratelimit"
)

// NewAPI builds the HTTP server. The returned cleanup closes the
// dependencies it opened.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	if cfg.AutoMigrate {
		if err := deps.Migrate(context.Background()); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	app := NewApp(cfg, deps)
	logger.Info("API server initialized successfully")
	return app, cleanup, nil
}

// NewApp mounts middleware and routes on a fresh fiber app.
func NewApp(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json: drop-in for encoding/json on the hot path
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:          1 * 1024 * 1024,
		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger(deps.Metrics))
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(cors.New(corsConfig(cfg)))

	// Health check (no auth required)
	http.NewHealthHandler(deps.DB, deps.Redis, deps.Metrics).Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(middleware.AuthConfig{
		Secret:      cfg.JWTSecret,
		Revocations: middleware.NewRevocationList(deps.Redis),
	}))

	syncLimiter := ratelimit.NewSlidingWindowLimiter(deps.Redis, cfg.SyncRateLimit, cfg.SyncRateWindow)
	http.NewSyncHandler(deps.SyncService, deps.Producer).
		RegisterRoutes(api, middleware.RateLimit(syncLimiter, "sync"))
	http.NewSenderHandler(deps.SyncService, deps.SenderService).RegisterRoutes(api)

	return app
}

// AllowCredentials requires explicit origins, never "*".
func corsConfig(cfg *config.Config) cors.Config {
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	return cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}
}
