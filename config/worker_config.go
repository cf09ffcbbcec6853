package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL string
	RedisURL    string
	AutoMigrate bool

	// Auth
	JWTSecret          string
	TokenEncryptionKey string // 32-byte AES key, hex or raw

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Sync pass
	SyncFullCap        int
	SyncFallbackCap    int
	SyncFallbackBuffer time.Duration
	SyncStoreBatch     int
	SyncLeaseTTL       time.Duration
	SyncPageSize       int

	// Provider calls
	ProviderFetchConcurrency int
	ProviderBatchDelay       time.Duration
	ProviderMaxRetries       int

	// Worker
	WorkerID          string
	WorkerConcurrency int
	WorkerJobTimeout  time.Duration
	WorkerMaxRetries  int

	// Consumer (Redis Stream)
	ConsumerBatchSize     int
	ConsumerBlock         time.Duration
	ConsumerPendingIdle   time.Duration
	ConsumerMaxDeliveries int

	// Scheduler
	SchedulerEnabled     bool
	SyncScheduleInterval time.Duration
	SyncScheduleMinAge   time.Duration
	SyncScheduleBatch    int
	SyncScheduleMax      int

	// Manual sync triggers per user
	SyncRateLimit  int
	SyncRateWindow time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		SyncFullCap:        getEnvInt("SYNC_FULL_CAP", 10000),
		SyncFallbackCap:    getEnvInt("SYNC_FALLBACK_CAP", 500),
		SyncFallbackBuffer: getEnvDuration("SYNC_FALLBACK_BUFFER", time.Hour),
		SyncStoreBatch:     getEnvInt("SYNC_STORE_BATCH", 100),
		SyncLeaseTTL:       getEnvDuration("SYNC_LEASE_TTL", 15*time.Minute),
		SyncPageSize:       getEnvInt("SYNC_PAGE_SIZE", 500),

		ProviderFetchConcurrency: getEnvInt("PROVIDER_FETCH_CONCURRENCY", 10),
		ProviderBatchDelay:       getEnvDuration("PROVIDER_BATCH_DELAY", 250*time.Millisecond),
		ProviderMaxRetries:       getEnvInt("PROVIDER_MAX_RETRIES", 5),

		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 8),
		WorkerJobTimeout:  getEnvDuration("WORKER_JOB_TIMEOUT", 10*time.Minute),
		WorkerMaxRetries:  getEnvInt("WORKER_MAX_RETRIES", 3),

		ConsumerBatchSize:     getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlock:         getEnvDuration("CONSUMER_BLOCK", 5*time.Second),
		ConsumerPendingIdle:   getEnvDuration("CONSUMER_PENDING_IDLE", 50*time.Minute),
		ConsumerMaxDeliveries: getEnvInt("CONSUMER_MAX_DELIVERIES", 3),

		SchedulerEnabled:     getEnvBool("SCHEDULER_ENABLED", true),
		SyncScheduleInterval: getEnvDuration("SYNC_SCHEDULE_INTERVAL", 10*time.Minute),
		SyncScheduleMinAge:   getEnvDuration("SYNC_SCHEDULE_MIN_AGE", 10*time.Minute),
		SyncScheduleBatch:    getEnvInt("SYNC_SCHEDULE_BATCH", 100),
		SyncScheduleMax:      getEnvInt("SYNC_SCHEDULE_MAX_MESSAGES", 0),

		SyncRateLimit:  getEnvInt("SYNC_RATE_LIMIT", 6),
		SyncRateWindow: getEnvDuration("SYNC_RATE_WINDOW", time.Minute),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with. Development
// tolerates missing secrets so the API can start without OAuth apps.
func (c *Config) Validate() error {
	if c.SyncFullCap <= 0 || c.SyncStoreBatch <= 0 || c.WorkerConcurrency <= 0 {
		return fmt.Errorf("SYNC_FULL_CAP, SYNC_STORE_BATCH and WORKER_CONCURRENCY must be positive")
	}
	if c.IsDevelopment() {
		return nil
	}
	var missing []string
	for name, v := range map[string]string{
		"DATABASE_URL":         c.DatabaseURL,
		"REDIS_URL":            c.RedisURL,
		"JWT_SECRET":           c.JWTSecret,
		"TOKEN_ENCRYPTION_KEY": c.TokenEncryptionKey,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
