package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/state")
	t.Setenv("GRAPH_TRIGGER_URL", "http://runtime:8000")
	return Load()
}

func fieldsOf(err error) []string {
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	var fields []string
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidate_MemoryBackendNeedsNoDatabase(t *testing.T) {
	cfg := validConfig(t)
	cfg.StoreBackend = BackendMemory
	cfg.DatabaseURL = ""

	if err := Validate(cfg); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "mongo" }, "STORE_BACKEND"},
		{"missing trigger url", func(c *Config) { c.GraphTriggerURL = "" }, "GRAPH_TRIGGER_URL"},
		{"relative trigger url", func(c *Config) { c.GraphTriggerURL = "/v0" }, "GRAPH_TRIGGER_URL"},
		{"bad duration", func(c *Config) { c.TriggerTickIntervalStr = "soon" }, "TRIGGER_TICK_INTERVAL"},
		{"zero duration", func(c *Config) { c.PurgeIntervalStr = "0s" }, "PURGE_INTERVAL"},
		{"negative duration", func(c *Config) { c.WebhookTimeoutStr = "-5s" }, "WEBHOOK_TIMEOUT"},
		{"idle above open", func(c *Config) { c.DBMaxIdleConns = 50 }, "DB_MAX_IDLE_CONNS"},
		{"bad log level", func(c *Config) { c.LogLevel = "TRACE" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "XML" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)

			fields := fieldsOf(Validate(cfg))
			if len(fields) != 1 || fields[0] != tt.field {
				t.Errorf("invalid fields = %v, want [%s]", fields, tt.field)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.DatabaseURL = ""
	cfg.TriggerTickIntervalStr = "bad"

	err := Validate(cfg)
	if len(fieldsOf(err)) != 2 {
		t.Fatalf("expected 2 errors, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "2 validation errors:") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "FOO", Message: "bar"}
	if err.Error() != "FOO: bar" {
		t.Errorf("got %q", err.Error())
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should format as empty string")
	}
}
