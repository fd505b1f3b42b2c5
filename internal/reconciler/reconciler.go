// Package reconciler runs the periodic housekeeping passes of the state manager.
//
// Every Interval it moves QUEUED states whose timeout_at has passed to
// TIMEDOUT in one bulk update. Every PurgeInterval it deletes terminal
// triggers whose retention has expired; PENDING and TRIGGERING triggers
// carry no expiry and are never touched.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
)

// TimeoutMessage is stored as the error of every timed-out state.
const TimeoutMessage = "Node execution timed out"

type Store interface {
	MarkTimedOutStates(ctx context.Context, nowMs int64, errMsg string) (int64, error)
	PurgeExpiredTriggers(ctx context.Context, now time.Time) (int64, error)
	MarkLegacyTriggersCancelled(ctx context.Context, expiresAt time.Time) (int64, error)
}

type MetricsSink interface {
	StatesTimedOut(count int)
	TriggersPurged(count int)
}

type Config struct {
	// Interval is how often the timeout sweep runs.
	// Default: 1 minute.
	Interval time.Duration

	// PurgeInterval is how often expired triggers are deleted.
	// Default: 10 minutes.
	PurgeInterval time.Duration

	// Retention is the expiry applied to legacy triggers at startup.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		PurgeInterval: 10 * time.Minute,
		Retention:     720 * time.Hour,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	metrics MetricsSink
	logger  *zap.SugaredLogger
	clock   func() time.Time
}

func New(config Config, store Store, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		metrics: metrics.NewNoopSink(),
		logger:  logger.Named("reconciler"),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run blocks until ctx is cancelled. Both passes run once immediately.
func (r *Reconciler) Run(ctx context.Context) {
	sweep := time.NewTicker(r.config.Interval)
	defer sweep.Stop()
	purge := time.NewTicker(r.config.PurgeInterval)
	defer purge.Stop()

	r.logger.Infow("started", "interval", r.config.Interval, "purge_interval", r.config.PurgeInterval)

	r.runTimeoutCycle(ctx)
	r.runPurgeCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-sweep.C:
			r.runTimeoutCycle(ctx)
		case <-purge.C:
			r.runPurgeCycle(ctx)
		}
	}
}

// TimeoutSweep marks every overdue QUEUED state TIMEDOUT.
func (r *Reconciler) TimeoutSweep(ctx context.Context) (int64, error) {
	n, err := r.store.MarkTimedOutStates(ctx, domain.Millis(r.clock()), TimeoutMessage)
	if err != nil {
		return 0, fmt.Errorf("mark timed out states: %w", err)
	}
	if n > 0 {
		r.metrics.StatesTimedOut(int(n))
		r.logger.Infow("marked states as timed out", "count", n)
	}
	return n, nil
}

// Purge deletes terminal triggers whose expiry has passed.
func (r *Reconciler) Purge(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpiredTriggers(ctx, r.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired triggers: %w", err)
	}
	if n > 0 {
		r.metrics.TriggersPurged(int(n))
		r.logger.Infow("purged expired triggers", "count", n)
	}
	return n, nil
}

// MigrateLegacyTriggers gives TRIGGERED and FAILED triggers written without
// an expiry a retention deadline by cancelling them, so the purge can collect them.
func (r *Reconciler) MigrateLegacyTriggers(ctx context.Context) (int64, error) {
	n, err := r.store.MarkLegacyTriggersCancelled(ctx, r.clock().UTC().Add(r.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("migrate legacy triggers: %w", err)
	}
	if n > 0 {
		r.logger.Infow("cancelled legacy triggers without expiry", "count", n)
	}
	return n, nil
}

// Errors are logged and retried next interval.
func (r *Reconciler) runTimeoutCycle(ctx context.Context) {
	if _, err := r.TimeoutSweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Errorw("timeout sweep failed", "error", err)
	}
}

func (r *Reconciler) runPurgeCycle(ctx context.Context) {
	if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
		r.logger.Errorw("purge failed", "error", err)
	}
}
