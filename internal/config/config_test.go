package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("BROKER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.DB.Driver)
	assert.Equal(t, BrokerMemory, cfg.Redis.Mode)
	assert.Equal(t, "taskhub", cfg.Redis.KeyPrefix)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, 720*time.Hour, cfg.Worker.RetentionPeriod)
	assert.Equal(t, 64, cfg.Events.SubscriptionBuffer)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.True(t, cfg.Worker.Enabled)
}

func TestLoad_PostgresRequiresCredentials(t *testing.T) {
	t.Setenv("STORAGE", "postgres")
	t.Setenv("BROKER", "memory")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER_NAME", "pos")
	t.Setenv("DB_PASSWORD", "p@ss")
	t.Setenv("DB_NAME", "tasks")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db:5432", cfg.DB.Address())
	assert.Equal(t, "postgres://pos:p%40ss@db:5432/tasks?application_name=taskhub&sslmode=disable", cfg.DB.DSN(cfg.System.DefaultClientName))
}

func TestLoad_RejectsUnknownModes(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("BROKER", "kafka")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BROKER", "memory")
	t.Setenv("TRACING_EXPORTER", "jaeger")
	_, err = Load()
	assert.Error(t, err)
}
