// Package config loads process settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the state manager. Durations keep their
// raw string next to the parsed value so Validate can report bad input.
type Config struct {
	StoreBackend string `json:"store_backend"`
	DatabaseURL  string `json:"database_url"`
	RedisAddr    string `json:"redis_addr,omitempty"`
	OpsAddr      string `json:"ops_addr"`

	TriggerTickInterval    time.Duration `json:"-"`
	TriggerTickIntervalStr string        `json:"trigger_tick_interval"`
	TriggerWorkers         int           `json:"trigger_workers"`
	TriggerRetentionHours  int           `json:"trigger_retention_hours"`

	NodeTimeoutMinutes      int           `json:"node_timeout_minutes"`
	TimeoutSweepInterval    time.Duration `json:"-"`
	TimeoutSweepIntervalStr string        `json:"timeout_sweep_interval"`
	PurgeInterval           time.Duration `json:"-"`
	PurgeIntervalStr        string        `json:"purge_interval"`

	GraphTriggerURL        string        `json:"graph_trigger_url"`
	GraphTriggerAPIKey     string        `json:"-"`
	GraphTriggerTimeout    time.Duration `json:"-"`
	GraphTriggerTimeoutStr string        `json:"graph_trigger_timeout"`

	WebhookTimeout    time.Duration `json:"-"`
	WebhookTimeoutStr string        `json:"webhook_timeout"`
	WebhookBufferSize int           `json:"webhook_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`
	DBConnectTimeout     time.Duration `json:"-"`
	DBConnectTimeoutStr  string        `json:"db_connect_timeout"`

	ShutdownTimeout    time.Duration `json:"-"`
	ShutdownTimeoutStr string        `json:"shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Warnings collects values that could not be parsed and fell back to a default.
	Warnings []string `json:"-"`
}

var defaults = map[string]any{
	"STORE_BACKEND":             BackendPostgres,
	"OPS_ADDR":                  ":8080",
	"TRIGGER_TICK_INTERVAL":     "1m",
	"TRIGGER_WORKERS":           1,
	"TRIGGER_RETENTION_HOURS":   720,
	"NODE_TIMEOUT_MINUTES":      30,
	"TIMEOUT_SWEEP_INTERVAL":    "1m",
	"PURGE_INTERVAL":            "10m",
	"GRAPH_TRIGGER_TIMEOUT":     "30s",
	"WEBHOOK_TIMEOUT":           "5s",
	"WEBHOOK_BUFFER_SIZE":       100,
	"CIRCUIT_BREAKER_THRESHOLD": 5,
	"CIRCUIT_BREAKER_COOLDOWN":  "2m",
	"DB_MAX_OPEN_CONNS":         25,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "5m",
	"DB_CONNECT_TIMEOUT":        "30s",
	"SHUTDOWN_TIMEOUT":          "10s",
	"METRICS_ENABLED":           true,
	"METRICS_PATH":              "/metrics",
	"LOG_LEVEL":                 "INFO",
	"LOG_FORMAT":                "JSON",
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return load(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "GRAPH_TRIGGER_URL", "GRAPH_TRIGGER_API_KEY"} {
		v.SetDefault(key, "")
	}
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper) Config {
	cfg := Config{
		StoreBackend:              strings.ToLower(v.GetString("STORE_BACKEND")),
		DatabaseURL:               v.GetString("DATABASE_URL"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		OpsAddr:                   v.GetString("OPS_ADDR"),
		TriggerTickIntervalStr:    v.GetString("TRIGGER_TICK_INTERVAL"),
		TimeoutSweepIntervalStr:   v.GetString("TIMEOUT_SWEEP_INTERVAL"),
		PurgeIntervalStr:          v.GetString("PURGE_INTERVAL"),
		GraphTriggerURL:           v.GetString("GRAPH_TRIGGER_URL"),
		GraphTriggerAPIKey:        v.GetString("GRAPH_TRIGGER_API_KEY"),
		GraphTriggerTimeoutStr:    v.GetString("GRAPH_TRIGGER_TIMEOUT"),
		WebhookTimeoutStr:         v.GetString("WEBHOOK_TIMEOUT"),
		CircuitBreakerCooldownStr: v.GetString("CIRCUIT_BREAKER_COOLDOWN"),
		DBConnMaxLifetimeStr:      v.GetString("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:      v.GetString("DB_CONN_MAX_IDLE_TIME"),
		DBConnectTimeoutStr:       v.GetString("DB_CONNECT_TIMEOUT"),
		ShutdownTimeoutStr:        v.GetString("SHUTDOWN_TIMEOUT"),
		MetricsEnabled:            v.GetBool("METRICS_ENABLED"),
		MetricsPath:               v.GetString("METRICS_PATH"),
		LogLevel:                  strings.ToUpper(v.GetString("LOG_LEVEL")),
		LogFormat:                 strings.ToUpper(v.GetString("LOG_FORMAT")),
	}

	cfg.TriggerWorkers = cfg.positiveInt(v, "TRIGGER_WORKERS")
	cfg.TriggerRetentionHours = cfg.positiveInt(v, "TRIGGER_RETENTION_HOURS")
	cfg.NodeTimeoutMinutes = cfg.positiveInt(v, "NODE_TIMEOUT_MINUTES")
	cfg.WebhookBufferSize = cfg.positiveInt(v, "WEBHOOK_BUFFER_SIZE")
	cfg.CircuitBreakerThreshold = cfg.nonNegativeInt(v, "CIRCUIT_BREAKER_THRESHOLD")
	cfg.DBMaxOpenConns = cfg.positiveInt(v, "DB_MAX_OPEN_CONNS")
	cfg.DBMaxIdleConns = cfg.positiveInt(v, "DB_MAX_IDLE_CONNS")

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if parsed, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = parsed
		}
	}

	return cfg
}

type durationField struct {
	env string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"TRIGGER_TICK_INTERVAL", &c.TriggerTickIntervalStr, &c.TriggerTickInterval},
		{"TIMEOUT_SWEEP_INTERVAL", &c.TimeoutSweepIntervalStr, &c.TimeoutSweepInterval},
		{"PURGE_INTERVAL", &c.PurgeIntervalStr, &c.PurgeInterval},
		{"GRAPH_TRIGGER_TIMEOUT", &c.GraphTriggerTimeoutStr, &c.GraphTriggerTimeout},
		{"WEBHOOK_TIMEOUT", &c.WebhookTimeoutStr, &c.WebhookTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"DB_CONNECT_TIMEOUT", &c.DBConnectTimeoutStr, &c.DBConnectTimeout},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeoutStr, &c.ShutdownTimeout},
	}
}

func (c *Config) positiveInt(v *viper.Viper, key string) int {
	return c.intAtLeast(v, key, 1)
}

func (c *Config) nonNegativeInt(v *viper.Viper, key string) int {
	return c.intAtLeast(v, key, 0)
}

// intAtLeast reads key as an integer, falling back to its default and
// recording a warning when the value is malformed or below min.
func (c *Config) intAtLeast(v *viper.Viper, key string, min int) int {
	fallback := defaults[key].(int)
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("invalid %s %q (must be an integer >= %d), using default %d", key, raw, min, fallback))
		return fallback
	}
	return n
}

// RetentionWindow is how long terminal triggers stay queryable.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.TriggerRetentionHours) * time.Hour
}

func (c Config) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutMinutes) * time.Minute
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.Warnings = nil
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
