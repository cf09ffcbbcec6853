package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/owdub1/cleaninbox-sub002/adapter/out/cache"
	"github.com/owdub1/cleaninbox-sub002/adapter/out/oauth"
	"github.com/owdub1/cleaninbox-sub002/adapter/out/persistence"
	"github.com/owdub1/cleaninbox-sub002/adapter/out/provider"
	"github.com/owdub1/cleaninbox-sub002/config"
	"github.com/owdub1/cleaninbox-sub002/core/service/cleanup"
	"github.com/owdub1/cleaninbox-sub002/core/service/mailsync"
	"github.com/owdub1/cleaninbox-sub002/infra/database"
	"github.com/owdub1/cleaninbox-sub002/internal/stream"
	"github.com/owdub1/cleaninbox-sub002/pkg/crypto"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/metrics"
	"github.com/owdub1/cleaninbox-sub002/pkg/resilience"
)

// consumerGroup is shared by every worker process reading mail:sync.
const consumerGroup = "mailsync-workers"

// Dependencies holds every wired component of one process.
type Dependencies struct {
	Config  *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	Metrics *metrics.Registry

	// Repositories
	AccountRepo *persistence.AccountAdapter
	MessageRepo *persistence.MessageAdapter
	SenderRepo  *persistence.SenderAdapter
	MirrorRepo  *persistence.MirrorAdapter
	TokenRepo   *persistence.TokenAdapter

	// Provider access
	TokenProvider *oauth.TokenProvider
	Providers     *provider.Factory

	// Coordination
	Locker   *cache.RedisLocker
	Progress *cache.RedisProgress
	Stream   *stream.RedisStream
	Producer *stream.Producer

	// Services
	SyncService   *mailsync.Reconciler
	SenderService *cleanup.Service
}

// NewDependencies connects Postgres and Redis and wires the services. The
// returned cleanup closes both connections.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config:  cfg,
		Metrics: metrics.NewRegistry(1000),
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// =========================================================================
	// Storage
	// =========================================================================

	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := database.NewPostgres(cfg.DatabaseURL, database.DefaultPostgresConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	})
	logger.Info("PostgreSQL connected")

	if cfg.RedisURL == "" {
		cleanup()
		return nil, nil, fmt.Errorf("REDIS_URL is required")
	}
	rdb, err := database.NewRedis(cfg.RedisURL, database.DefaultRedisConfig())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	deps.Redis = rdb
	cleanups = append(cleanups, func() {
		if err := rdb.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close redis")
		}
	})
	logger.Info("Redis connected")

	deps.AccountRepo = persistence.NewAccountAdapter(db)
	deps.MessageRepo = persistence.NewMessageAdapter(db)
	deps.SenderRepo = persistence.NewSenderAdapter(db)
	deps.MirrorRepo = persistence.NewMirrorAdapter(db)
	deps.TokenRepo = persistence.NewTokenAdapter(db)

	// =========================================================================
	// OAuth + providers
	// =========================================================================

	enc, err := crypto.NewEncryptor(encryptionKey(cfg))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create token encryptor: %w", err)
	}
	deps.TokenProvider = oauth.NewTokenProvider(
		deps.TokenRepo,
		enc,
		oauth.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL),
		oauth.MicrosoftConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURL, cfg.MicrosoftTenantID),
	)

	retry := resilience.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.ProviderMaxRetries
	deps.Providers = provider.NewFactory(deps.TokenProvider, provider.FactoryConfig{
		PageSize: cfg.SyncPageSize,
		Batch: resilience.BatchConfig{
			Concurrency: cfg.ProviderFetchConcurrency,
			BatchDelay:  cfg.ProviderBatchDelay,
			Retry:       retry,
		},
	})

	// =========================================================================
	// Coordination
	// =========================================================================

	deps.Locker = cache.NewRedisLocker(rdb)
	deps.Progress = cache.NewRedisProgress(rdb)
	deps.Stream = stream.NewRedisStream(rdb, consumerGroup)
	deps.Producer = stream.NewProducer(deps.Stream)

	// =========================================================================
	// Services
	// =========================================================================

	deps.SyncService = mailsync.NewReconciler(
		mailsync.Stores{
			Accounts: deps.AccountRepo,
			Messages: deps.MessageRepo,
			Senders:  deps.SenderRepo,
			Mirror:   deps.MirrorRepo,
		},
		deps.Providers,
		deps.Locker,
		deps.Progress,
		mailsync.Config{
			FullSyncCap:    cfg.SyncFullCap,
			FallbackCap:    cfg.SyncFallbackCap,
			FallbackBuffer: cfg.SyncFallbackBuffer,
			PageSize:       cfg.SyncPageSize,
			StoreBatch:     cfg.SyncStoreBatch,
			LeaseTTL:       cfg.SyncLeaseTTL,
		},
	)
	deps.SenderService = cleanup.NewService(
		deps.AccountRepo,
		deps.MessageRepo,
		deps.SenderRepo,
		deps.Providers,
		deps.Locker,
		cfg.SyncLeaseTTL,
	)

	logger.Info("Dependencies initialized")
	return deps, cleanup, nil
}

// Migrate applies pending schema migrations.
func (d *Dependencies) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	applied, err := persistence.Migrate(ctx, d.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("Applied %d migrations: %v", len(applied), applied)
	}
	return nil
}

// encryptionKey accepts a 64-character hex key and otherwise uses the raw
// bytes. Development falls back to the JWT secret.
func encryptionKey(cfg *config.Config) []byte {
	key := cfg.TokenEncryptionKey
	if key == "" && cfg.IsDevelopment() {
		logger.Warn("TOKEN_ENCRYPTION_KEY not set, deriving from JWT_SECRET (development only)")
		key = cfg.JWTSecret
		if key == "" {
			key = "development-only-token-key"
		}
	}
	if len(key) == 64 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw
		}
	}
	return []byte(key)
}
