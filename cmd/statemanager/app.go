package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/analytics"
	"github.com/exospherehost/runtime/internal/circuitbreaker"
	"github.com/exospherehost/runtime/internal/config"
	"github.com/exospherehost/runtime/internal/cron"
	"github.com/exospherehost/runtime/internal/dispatcher"
	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
	"github.com/exospherehost/runtime/internal/reconciler"
	"github.com/exospherehost/runtime/internal/scheduler"
	"github.com/exospherehost/runtime/internal/states"
	"github.com/exospherehost/runtime/internal/store/memory"
	"github.com/exospherehost/runtime/internal/store/postgres"
	"github.com/exospherehost/runtime/internal/templates"
	"github.com/exospherehost/runtime/internal/transport/channel"
)

// appStore is everything the components need from a backend. Both the
// Postgres and the in-memory store satisfy it.
type appStore interface {
	scheduler.Store
	templates.Store
	states.Store
	reconciler.Store
	ListTriggers(ctx context.Context, namespace, graphName string) ([]domain.Trigger, error)
	Ping(ctx context.Context) error
}

var (
	_ appStore = (*postgres.Store)(nil)
	_ appStore = (*memory.Store)(nil)
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	db       *sql.DB
	store    appStore
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  metrics.Sink

	bus        *channel.NotificationBus
	scheduler  *scheduler.Scheduler
	templates  *templates.Reconciler
	states     *states.Engine
	reconciler *reconciler.Reconciler
	notifier   *dispatcher.Notifier
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewNoopSink()}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		a.store = memory.New()
		logger.Warn("using in-memory store; state is lost on exit")
	default:
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
			ConnectTimeout:  cfg.DBConnectTimeout,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		logger.Infow("db pool configured",
			"max_open", cfg.DBMaxOpenConns, "max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime, "max_idle_time", cfg.DBConnMaxIdleTime)
		a.db = db
		a.store = postgres.New(db)
	}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.NewPrometheusSink(a.registry, logger.Named("metrics"))
	}

	parser := &cronParserAdapter{parser: cron.NewParser()}
	retention := cfg.RetentionWindow()

	a.bus = channel.NewNotificationBus(cfg.WebhookBufferSize).WithMetrics(a.metrics)

	graphTrigger := dispatcher.NewHTTPGraphTrigger(cfg.GraphTriggerURL, cfg.GraphTriggerAPIKey, cfg.GraphTriggerTimeout)
	a.scheduler = scheduler.New(scheduler.Config{
		TickInterval: cfg.TriggerTickInterval,
		Workers:      cfg.TriggerWorkers,
		Retention:    retention,
	}, a.store, parser, graphTrigger, logger).WithMetrics(a.metrics)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.scheduler = a.scheduler.WithAnalytics(analytics.NewRedisSink(a.redis, analytics.Config{Retention: retention}))
		logger.Infow("analytics enabled", "redis", cfg.RedisAddr)
	} else {
		logger.Info("REDIS_ADDR not set; analytics disabled")
	}

	a.templates = templates.New(templates.Config{Retention: retention}, a.store, parser, logger).
		WithMetrics(a.metrics)
	a.states = states.New(states.Config{NodeTimeout: cfg.NodeTimeout()}, a.store, a.bus, logger).
		WithMetrics(a.metrics)
	a.reconciler = reconciler.New(reconciler.Config{
		Interval:      cfg.TimeoutSweepInterval,
		PurgeInterval: cfg.PurgeInterval,
		Retention:     retention,
	}, a.store, logger).WithMetrics(a.metrics)

	a.notifier = dispatcher.NewNotifier(dispatcher.NewHTTPWebhookSender(cfg.WebhookTimeout), logger).
		WithMetrics(a.metrics)
	if cfg.CircuitBreakerThreshold > 0 {
		a.notifier = a.notifier.WithCircuitBreaker(
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	return a, nil
}

// runNotifier delivers webhooks in the background. The returned func stops
// it and waits for the buffered notifications to drain.
func (a *app) runNotifier() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.notifier.Run(ctx, a.bus.Channel())
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnw("redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warnw("db close failed", "error", err)
		}
	}
}

func (a *app) migrate() error {
	if a.db == nil {
		return nil
	}
	if err := postgres.Migrate(a.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema migrations applied")
	return nil
}
