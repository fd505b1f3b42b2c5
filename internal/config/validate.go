package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required when STORE_BACKEND=postgres"})
		}
	case BackendMemory:
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_BACKEND",
			Message: fmt.Sprintf("must be 'postgres' or 'memory', got %q", cfg.StoreBackend),
		})
	}

	if cfg.GraphTriggerURL == "" {
		errs = append(errs, ValidationError{Field: "GRAPH_TRIGGER_URL", Message: "required"})
	} else if u, err := url.Parse(cfg.GraphTriggerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "GRAPH_TRIGGER_URL",
			Message: fmt.Sprintf("must be an absolute URL, got %q", cfg.GraphTriggerURL),
		})
	}

	for _, d := range cfg.durations() {
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: d.env, Message: fmt.Sprintf("invalid duration: %v", err)})
		} else if parsed <= 0 {
			errs = append(errs, ValidationError{Field: d.env, Message: "must be positive"})
		}
	}

	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		errs = append(errs, ValidationError{
			Field:   "DB_MAX_IDLE_CONNS",
			Message: fmt.Sprintf("must not exceed DB_MAX_OPEN_CONNS (%d)", cfg.DBMaxOpenConns),
		})
	}

	if !slices.Contains([]string{"DEBUG", "INFO", "WARN", "ERROR"}, cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("must be DEBUG, INFO, WARN or ERROR, got %q", cfg.LogLevel),
		})
	}
	if cfg.LogFormat != "JSON" && cfg.LogFormat != "CONSOLE" {
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be JSON or CONSOLE, got %q", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
