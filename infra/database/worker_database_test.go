package database

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleProtocolURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://u@h/db", "postgres://u@h/db?default_query_exec_mode=simple_protocol"},
		{"postgres://u@h/db?sslmode=disable", "postgres://u@h/db?sslmode=disable&default_query_exec_mode=simple_protocol"},
		{"postgres://u@h/db?default_query_exec_mode=exec", "postgres://u@h/db?default_query_exec_mode=exec"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SimpleProtocolURL(tt.in))
	}
}

func TestDefaultPostgresConfig_EnvOverride(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "7")
	assert.Equal(t, 7, DefaultPostgresConfig().MaxOpenConns)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis("redis://"+mr.Addr()+"/0", DefaultRedisConfig())
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedis("not a url", DefaultRedisConfig())
	assert.Error(t, err)
}

func TestNewPostgres_EmptyURL(t *testing.T) {
	_, err := NewPostgres("", DefaultPostgresConfig())
	assert.Error(t, err)
}
