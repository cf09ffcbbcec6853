package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCommands_ArgumentValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"sync without id", []string{"sync"}, "accepts 1 arg"},
		{"sync bad id", []string{"sync", "not-a-uuid"}, "invalid account id"},
		{"sync nil id", []string{"sync", "00000000-0000-0000-0000-000000000000"}, "invalid account id"},
		{"sync negative max", []string{"sync", "3f1c1f3e-8f0a-4c39-9d7a-3f1d2b8e6a11", "--max", "-1"}, "--max"},
		{"progress bad id", []string{"progress", "x"}, "invalid account id"},
		{"migrate takes no args", []string{"migrate", "extra"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitConfig_ReadsYAMLAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("database:\n  url: postgres://yaml/mail\nredis:\n  url: redis://yaml:6379\n"), 0o600))
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	v := viper.New()
	var stderr bytes.Buffer
	require.NoError(t, initConfig(v, &stderr))
	assert.Contains(t, stderr.String(), "config.yaml")

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://yaml/mail", cfg.DatabaseURL)
	assert.Equal(t, "redis://yaml:6379", cfg.RedisURL)
}

func TestInitConfig_EnvironmentWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("database:\n  url: postgres://yaml/mail\n"), 0o600))
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://env/mail")

	v := viper.New()
	require.NoError(t, initConfig(v, &bytes.Buffer{}))

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/mail", cfg.DatabaseURL)
}

func TestInitConfig_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("config", "does-not-exist.yaml")
	assert.Error(t, initConfig(v, &bytes.Buffer{}))
}
