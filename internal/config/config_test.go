package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORE_DRIVER", "DATABASE_URL", "PG_DSN", "PGDATABASE", "PGHOST", "PGPORT", "PGUSER",
		"PGPASSWORD", "PGSSLMODE", "TRACKER_DB_NAME", "AUTO_MIGRATE", "HTTP_ADDR", "ENVIRONMENT",
		"CORS_ALLOWED_ORIGINS", "METRICS_ADDR", "NATS_URL", "NATS_SUBJECT_PREFIX", "LOG_NATS_SUBJECTS",
		"LOG_LEVEL", "LOG_FORMAT", "WS_SEND_BUFFER", "WS_PING_INTERVAL_SEC",
		"ARCHIVE_RETRY_SCHEDULE", "ARCHIVE_RETRY_MAX",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_MemoryDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, ":3000", cfg.HTTPAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "tracker", cfg.NATSSubjectPrefix)
	assert.Equal(t, 64, cfg.WSSendBuffer)
	assert.Equal(t, 25*time.Second, cfg.WSPingInterval)
	assert.Equal(t, "@every 30s", cfg.ArchiveRetrySchedule)
	assert.Equal(t, 1000, cfg.ArchiveRetryMax)
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_PostgresRequiresDatabase(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BuildsDSNFromPGVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGDATABASE", "tracker")
	t.Setenv("PGUSER", "app")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("PGHOST", "db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:p%40ss@db:5432/tracker?sslmode=disable", cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u@h:5432/x")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("WS_SEND_BUFFER", "8")
	t.Setenv("AUTO_MIGRATE", "no")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@h:5432/x", cfg.DatabaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 8, cfg.WSSendBuffer)
	assert.False(t, cfg.AutoMigrate)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad buffer", "WS_SEND_BUFFER", "zero"},
		{"negative ping", "WS_PING_INTERVAL_SEC", "-1"},
		{"bad driver", "STORE_DRIVER", "mongo"},
		{"bad format", "LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STORE_DRIVER", "memory")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
