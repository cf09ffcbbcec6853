package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.SyncFullCap)
	assert.Equal(t, 500, cfg.SyncFallbackCap)
	assert.Equal(t, time.Hour, cfg.SyncFallbackBuffer)
	assert.Equal(t, 100, cfg.SyncStoreBatch)
	assert.Equal(t, 15*time.Minute, cfg.SyncLeaseTTL)
	assert.Equal(t, 10, cfg.ProviderFetchConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.ProviderBatchDelay)
	assert.Equal(t, 10*time.Minute, cfg.SyncScheduleInterval)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("SYNC_FULL_CAP", "250")
	t.Setenv("SYNC_FALLBACK_BUFFER", "30m")
	t.Setenv("PROVIDER_BATCH_DELAY", "2")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.SyncFullCap)
	assert.Equal(t, 30*time.Minute, cfg.SyncFallbackBuffer)
	assert.Equal(t, 2*time.Second, cfg.ProviderBatchDelay)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/mail")
	t.Setenv("REDIS_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.NotContains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RejectsNonPositiveKnobs(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("SYNC_STORE_BATCH", "0")

	_, err := Load()
	assert.Error(t, err)
}
