package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, time.Minute, cfg.TriggerTickInterval)
	assert.Equal(t, 1, cfg.TriggerWorkers)
	assert.Equal(t, 720, cfg.TriggerRetentionHours)
	assert.Equal(t, 720*time.Hour, cfg.RetentionWindow())
	assert.Equal(t, 30, cfg.NodeTimeoutMinutes)
	assert.Equal(t, 30*time.Minute, cfg.NodeTimeout())
	assert.Equal(t, time.Minute, cfg.TimeoutSweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.PurgeInterval)
	assert.Equal(t, 30*time.Second, cfg.GraphTriggerTimeout)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 100, cfg.WebhookBufferSize)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 2*time.Minute, cfg.CircuitBreakerCooldown)
	assert.Equal(t, 30*time.Second, cfg.DBConnectTimeout)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "JSON", cfg.LogFormat)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("TRIGGER_TICK_INTERVAL", "15s")
	t.Setenv("TRIGGER_WORKERS", "8")
	t.Setenv("TRIGGER_RETENTION_HOURS", "24")
	t.Setenv("NODE_TIMEOUT_MINUTES", "5")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "0")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GRAPH_TRIGGER_URL", "http://runtime:8000")

	cfg := Load()

	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 15*time.Second, cfg.TriggerTickInterval)
	assert.Equal(t, 8, cfg.TriggerWorkers)
	assert.Equal(t, 24*time.Hour, cfg.RetentionWindow())
	assert.Equal(t, 5*time.Minute, cfg.NodeTimeout())
	assert.Equal(t, 0, cfg.CircuitBreakerThreshold, "zero disables the breaker")
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "http://runtime:8000", cfg.GraphTriggerURL)
}

func TestLoad_InvalidIntegersFallBack(t *testing.T) {
	tests := []struct {
		env  string
		val  string
		get  func(Config) int
		want int
	}{
		{"TRIGGER_WORKERS", "abc", func(c Config) int { return c.TriggerWorkers }, 1},
		{"TRIGGER_WORKERS", "0", func(c Config) int { return c.TriggerWorkers }, 1},
		{"WEBHOOK_BUFFER_SIZE", "-1", func(c Config) int { return c.WebhookBufferSize }, 100},
		{"CIRCUIT_BREAKER_THRESHOLD", "-3", func(c Config) int { return c.CircuitBreakerThreshold }, 5},
	}

	for _, tt := range tests {
		t.Run(tt.env+"="+tt.val, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			cfg := Load()

			assert.Equal(t, tt.want, tt.get(cfg))
			require.Len(t, cfg.Warnings, 1)
			assert.Contains(t, cfg.Warnings[0], tt.env)
		})
	}
}

func TestMaskedJSON(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db:5432/state")
	t.Setenv("GRAPH_TRIGGER_API_KEY", "sk-live-123")

	out, err := Load().MaskedJSON()
	require.NoError(t, err)

	s := string(out)
	assert.False(t, strings.Contains(s, "hunter2"), "password leaked: %s", s)
	assert.False(t, strings.Contains(s, "sk-live-123"), "api key leaked: %s", s)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "postgres://***", decoded["database_url"])
	assert.Equal(t, "1m", decoded["trigger_tick_interval"])
	assert.EqualValues(t, 720, decoded["trigger_retention_hours"])
}

func TestMaskSecret(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"postgres://u:p@h/db", "postgres://***"},
		{"postgresql://u:p@h/db", "postgresql://***"},
		{"host=db password=x", "***"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
