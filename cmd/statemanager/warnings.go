package main

import (
	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/config"
)

// logConfigWarnings surfaces settings that are valid but risky.
func logConfigWarnings(cfg config.Config, logger *zap.SugaredLogger) {
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("STORE_BACKEND=memory: triggers and states do not survive a restart and are not shared between processes")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("METRICS_ENABLED=false: sweep, retry and webhook metrics are not exported")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		logger.Warn("CIRCUIT_BREAKER_THRESHOLD=0: failing webhook endpoints are called on every notification")
	}
	if cfg.TriggerTickInterval > 0 && cfg.TriggerTickInterval > cfg.RetentionWindow() {
		logger.Warn("TRIGGER_TICK_INTERVAL exceeds the trigger retention window; fired triggers may be purged before the next sweep")
	}
	if cfg.TriggerWorkers > cfg.DBMaxOpenConns && cfg.StoreBackend == config.BackendPostgres {
		logger.Warnw("TRIGGER_WORKERS exceeds DB_MAX_OPEN_CONNS; workers will wait on the pool",
			"workers", cfg.TriggerWorkers, "max_open_conns", cfg.DBMaxOpenConns)
	}
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; trigger outcome analytics disabled")
	}
}
