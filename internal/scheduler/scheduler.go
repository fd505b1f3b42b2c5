package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
)

// maxIterations bounds catch-up for a single resolved trigger.
const maxIterations = 1000

// settleTimeout bounds the writes that resolve a claimed trigger. They run
// detached from the sweep context so a shutdown cannot strand a claim.
const settleTimeout = 30 * time.Second

type Store interface {
	// ClaimDueTrigger atomically moves one PENDING trigger with
	// trigger_time <= now to TRIGGERING. Returns nil when none is due.
	ClaimDueTrigger(ctx context.Context, now time.Time) (*domain.Trigger, error)
	MarkTrigger(ctx context.Context, id uuid.UUID, status domain.TriggerStatus, expiresAt time.Time) error
	// InsertTrigger returns domain.ErrDuplicateTrigger when the occurrence already exists.
	InsertTrigger(ctx context.Context, t domain.Trigger) error
}

type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

// CronSchedule returns UTC occurrences; zero means exhausted.
type CronSchedule interface {
	Next(after time.Time) time.Time
}

// GraphTrigger starts a run of a graph. Implementations carry their own timeout.
type GraphTrigger interface {
	Fire(ctx context.Context, namespace, graphName string) error
}

type OutcomeRecorder interface {
	Record(ctx context.Context, trig domain.Trigger, outcome domain.TriggerStatus) error
}

type MetricsSink interface {
	SweepCompleted(duration time.Duration, claimed int, err error)
	TriggerOutcome(outcome string)
	OccurrenceInserted(source string)
	OccurrenceDuplicate(source string)
}

type Config struct {
	TickInterval time.Duration
	Workers      int
	Retention    time.Duration
}

type SweepResult struct {
	Claimed     int
	Triggered   int
	Failed      int
	Regenerated int
}

func (r *SweepResult) add(o SweepResult) {
	r.Claimed += o.Claimed
	r.Triggered += o.Triggered
	r.Failed += o.Failed
	r.Regenerated += o.Regenerated
}

type Scheduler struct {
	config    Config
	store     Store
	parser    CronParser
	trigger   GraphTrigger
	analytics OutcomeRecorder
	metrics   MetricsSink
	logger    *zap.SugaredLogger
	clock     func() time.Time
}

func New(config Config, store Store, parser CronParser, trigger GraphTrigger, logger *zap.SugaredLogger) *Scheduler {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Scheduler{
		config:  config,
		store:   store,
		parser:  parser,
		trigger: trigger,
		metrics: metrics.NewNoopSink(),
		logger:  logger.Named("scheduler"),
		clock:   time.Now,
	}
}

func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithAnalytics records every trigger outcome. Recording failures are logged only.
func (s *Scheduler) WithAnalytics(rec OutcomeRecorder) *Scheduler {
	s.analytics = rec
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Infow("started", "tick", s.config.TickInterval, "workers", s.config.Workers)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorw("sweep error", "error", err)
			}
		}
	}
}

// Sweep runs the configured number of workers until no trigger is due at
// the sweep's start time. Workers share nothing but the store.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := s.clock()
	now := start.UTC()

	results := make([]SweepResult, s.config.Workers)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			res, err := s.runWorker(ctx, now)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	var total SweepResult
	for _, r := range results {
		total.add(r)
	}

	s.metrics.SweepCompleted(s.clock().Sub(start), total.Claimed, err)
	if total.Claimed > 0 {
		s.logger.Infow("sweep complete",
			"claimed", total.Claimed,
			"triggered", total.Triggered,
			"failed", total.Failed,
			"regenerated", total.Regenerated)
	}
	return total, err
}

func (s *Scheduler) runWorker(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		trig, err := s.store.ClaimDueTrigger(ctx, now)
		if err != nil {
			return res, fmt.Errorf("claim trigger: %w", err)
		}
		if trig == nil {
			return res, nil
		}
		res.Claimed++

		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		status, err := s.handle(ctx, settleCtx, *trig)
		if err == nil {
			switch status {
			case domain.TriggerStatusTriggered:
				res.Triggered++
			case domain.TriggerStatusFailed:
				res.Failed++
			}
		}

		// The next occurrence is materialized whatever happened to this one.
		n, regenErr := s.regenerate(settleCtx, *trig, now)
		cancel()
		res.Regenerated += n

		if err := errors.Join(err, regenErr); err != nil {
			return res, err
		}
	}
}

// handle fires one claimed trigger under ctx and records the outcome under
// settleCtx. A firing failure is contained here; only a store failure while
// recording it escapes.
func (s *Scheduler) handle(ctx, settleCtx context.Context, trig domain.Trigger) (domain.TriggerStatus, error) {
	log := s.logger.With("trigger_id", trig.ID, "namespace", trig.Namespace, "graph", trig.GraphName)

	status := domain.TriggerStatusTriggered
	if err := s.trigger.Fire(ctx, trig.Namespace, trig.GraphName); err != nil {
		log.Errorw("graph trigger failed", "trigger_time", trig.TriggerTime, "error", err)
		status = domain.TriggerStatusFailed
	}

	err := s.store.MarkTrigger(settleCtx, trig.ID, status, s.expiry())
	if err != nil && status == domain.TriggerStatusTriggered {
		log.Errorw("mark triggered failed, marking failed", "error", err)
		status = domain.TriggerStatusFailed
		err = s.store.MarkTrigger(settleCtx, trig.ID, status, s.expiry())
	}
	if err != nil {
		return status, fmt.Errorf("mark trigger %s %s: %w", trig.ID, status, err)
	}

	s.metrics.TriggerOutcome(string(status))
	if s.analytics != nil {
		if err := s.analytics.Record(settleCtx, trig, status); err != nil {
			log.Warnw("analytics record failed", "error", err)
		}
	}
	if status == domain.TriggerStatusTriggered {
		log.Infow("graph triggered", "trigger_time", trig.TriggerTime)
	}
	return status, nil
}

func (s *Scheduler) expiry() time.Time {
	return s.clock().UTC().Add(s.config.Retention)
}

// regenerate inserts the occurrences following trig until one lands strictly
// after now. It returns how many new rows were inserted.
func (s *Scheduler) regenerate(ctx context.Context, trig domain.Trigger, now time.Time) (int, error) {
	def, err := trig.Definition()
	if err != nil {
		return 0, fmt.Errorf("regenerate trigger %s: %w", trig.ID, err)
	}
	cronDef, ok := def.(domain.CronTrigger)
	if !ok {
		return 0, nil
	}

	sched, err := s.parser.Parse(cronDef.Expression, cronDef.Timezone)
	if err != nil {
		return 0, fmt.Errorf("regenerate trigger %s: parse schedule: %w", trig.ID, err)
	}

	inserted := 0
	last := trig.TriggerTime
	for i := 0; i < maxIterations; i++ {
		next := sched.Next(last)
		if next.IsZero() {
			return inserted, nil
		}
		next = next.UTC()

		occurrence := domain.Trigger{
			ID:          uuid.New(),
			Kind:        trig.Kind,
			Expression:  trig.Expression,
			Timezone:    cronDef.Timezone,
			GraphName:   trig.GraphName,
			Namespace:   trig.Namespace,
			TriggerTime: next,
			Status:      domain.TriggerStatusPending,
		}

		err := s.store.InsertTrigger(ctx, occurrence)
		switch {
		case err == nil:
			inserted++
			s.metrics.OccurrenceInserted(metrics.SourceRegeneration)
		case errors.Is(err, domain.ErrDuplicateTrigger):
			s.logger.Infow("occurrence already scheduled",
				"namespace", trig.Namespace, "graph", trig.GraphName, "trigger_time", next)
			s.metrics.OccurrenceDuplicate(metrics.SourceRegeneration)
		default:
			return inserted, fmt.Errorf("insert next trigger for %s/%s at %s: %w",
				trig.Namespace, trig.GraphName, next.Format(time.RFC3339), err)
		}

		if next.After(now) {
			return inserted, nil
		}
		last = next
	}

	s.logger.Warnw("catch-up limit reached",
		"namespace", trig.Namespace, "graph", trig.GraphName, "expression", trig.Expression, "limit", maxIterations)
	return inserted, nil
}
