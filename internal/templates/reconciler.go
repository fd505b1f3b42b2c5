// Package templates keeps the materialized triggers of a graph in line with
// the trigger declarations of its template.
package templates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
	"github.com/exospherehost/runtime/internal/scheduler"
)

type Store interface {
	GetTemplate(ctx context.Context, namespace, name string) (domain.GraphTemplate, error)
	UpsertTemplate(ctx context.Context, tmpl domain.GraphTemplate) error
	InsertTrigger(ctx context.Context, t domain.Trigger) error
	CancelPendingTriggers(ctx context.Context, filter domain.TriggerFilter, expiresAt time.Time) (int64, error)
}

type MetricsSink interface {
	OccurrenceInserted(source string)
	OccurrenceDuplicate(source string)
	TriggersCancelled(count int)
}

type Config struct {
	Retention time.Duration
}

type UpsertResult struct {
	Created      bool
	Cancelled    int64
	Materialized int
}

type CancelResult struct {
	Namespace      string `json:"namespace"`
	GraphName      string `json:"graph_name"`
	CancelledCount int64  `json:"cancelled_count"`
	Message        string `json:"message"`
}

type Reconciler struct {
	config  Config
	store   Store
	parser  scheduler.CronParser
	metrics MetricsSink
	logger  *zap.SugaredLogger
	clock   func() time.Time
}

func New(config Config, store Store, parser scheduler.CronParser, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		parser:  parser,
		metrics: metrics.NewNoopSink(),
		logger:  logger.Named("templates"),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Validate rejects a template whose triggers or retry policy could never run.
// Every problem is reported, not just the first.
func (r *Reconciler) Validate(tmpl domain.GraphTemplate) error {
	var problems []string

	if tmpl.Name == "" || tmpl.Namespace == "" {
		problems = append(problems, "name and namespace are required")
	}
	for i, decl := range tmpl.Triggers {
		c, ok := decl.Cron()
		if !ok {
			problems = append(problems, fmt.Sprintf("triggers[%d]: unsupported trigger kind", i))
			continue
		}
		c = c.Normalize()
		if _, err := r.parser.Parse(c.Expression, c.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("triggers[%d]: %v", i, err))
		}
	}

	rp := tmpl.RetryPolicy
	if rp.MaxRetries < 0 {
		problems = append(problems, "retry_policy.max_retries must be >= 0")
	}
	if rp.BackoffFactor < 0 {
		problems = append(problems, "retry_policy.backoff_factor must be >= 0")
	}
	if rp.Strategy != "" && !rp.Strategy.Valid() {
		problems = append(problems, fmt.Sprintf("retry_policy.strategy %q is not supported", rp.Strategy))
	}
	if rp.MaxDelay != nil && *rp.MaxDelay < 0 {
		problems = append(problems, "retry_policy.max_delay must be >= 0")
	}

	if len(problems) > 0 {
		return &domain.TriggerValidationError{Problems: problems}
	}
	return nil
}

// Upsert stores the template and reconciles its triggers. Schedules removed
// from the previous version have their PENDING occurrences cancelled in one
// bulk update; every declared schedule is then materialized from now.
func (r *Reconciler) Upsert(ctx context.Context, tmpl domain.GraphTemplate) (UpsertResult, error) {
	if err := r.Validate(tmpl); err != nil {
		return UpsertResult{}, err
	}

	var result UpsertResult
	now := r.clock().UTC()

	old, err := r.store.GetTemplate(ctx, tmpl.Namespace, tmpl.Name)
	switch {
	case errors.Is(err, domain.ErrTemplateNotFound):
		result.Created = true
		tmpl.CreatedAt = now
	case err != nil:
		return result, fmt.Errorf("get template: %w", err)
	default:
		tmpl.CreatedAt = old.CreatedAt
	}
	tmpl.UpdatedAt = now

	if err := r.store.UpsertTemplate(ctx, tmpl); err != nil {
		return result, fmt.Errorf("save template: %w", err)
	}

	if !result.Created {
		if removed := removedSchedules(old.CronTriggers(), tmpl.CronTriggers()); len(removed) > 0 {
			n, err := r.store.CancelPendingTriggers(ctx, domain.TriggerFilter{
				Namespace: tmpl.Namespace,
				GraphName: tmpl.Name,
				Kind:      domain.TriggerKindCron,
				Schedules: removed,
			}, now.Add(r.config.Retention))
			if err != nil {
				return result, fmt.Errorf("cancel stale triggers: %w", err)
			}
			result.Cancelled = n
			r.metrics.TriggersCancelled(int(n))
			r.logger.Infow("cancelled stale triggers",
				"namespace", tmpl.Namespace, "graph", tmpl.Name, "schedules", len(removed), "cancelled", n)
		}
	}

	n, err := r.materialize(ctx, tmpl, now)
	result.Materialized = n
	if err != nil {
		return result, err
	}

	r.logger.Infow("template reconciled",
		"namespace", tmpl.Namespace, "graph", tmpl.Name,
		"created", result.Created, "cancelled", result.Cancelled, "materialized", result.Materialized)
	return result, nil
}

// materialize inserts the first occurrence after now for each unique schedule.
func (r *Reconciler) materialize(ctx context.Context, tmpl domain.GraphTemplate, now time.Time) (int, error) {
	inserted := 0
	for _, c := range tmpl.CronTriggers() {
		sched, err := r.parser.Parse(c.Expression, c.Timezone)
		if err != nil {
			return inserted, fmt.Errorf("parse %q in %s: %w", c.Expression, c.Timezone, err)
		}
		next := sched.Next(now)
		if next.IsZero() {
			continue
		}

		err = r.store.InsertTrigger(ctx, domain.Trigger{
			ID:          uuid.New(),
			Kind:        domain.TriggerKindCron,
			Expression:  c.Expression,
			Timezone:    c.Timezone,
			GraphName:   tmpl.Name,
			Namespace:   tmpl.Namespace,
			TriggerTime: next.UTC(),
			Status:      domain.TriggerStatusPending,
		})
		switch {
		case err == nil:
			inserted++
			r.metrics.OccurrenceInserted(metrics.SourceMaterialization)
		case errors.Is(err, domain.ErrDuplicateTrigger):
			r.metrics.OccurrenceDuplicate(metrics.SourceMaterialization)
		default:
			return inserted, fmt.Errorf("materialize %q in %s: %w", c.Expression, c.Timezone, err)
		}
	}
	return inserted, nil
}

func removedSchedules(old, current []domain.CronTrigger) []domain.CronTrigger {
	keep := make(map[domain.CronTrigger]struct{}, len(current))
	for _, c := range current {
		keep[c] = struct{}{}
	}
	var removed []domain.CronTrigger
	for _, c := range old {
		if _, ok := keep[c]; !ok {
			removed = append(removed, c)
		}
	}
	return removed
}

// CancelTriggers cancels every PENDING trigger of a graph, whatever its schedule.
func (r *Reconciler) CancelTriggers(ctx context.Context, namespace, graphName string) (CancelResult, error) {
	res := CancelResult{Namespace: namespace, GraphName: graphName}

	n, err := r.store.CancelPendingTriggers(ctx, domain.TriggerFilter{
		Namespace: namespace,
		GraphName: graphName,
	}, r.clock().UTC().Add(r.config.Retention))
	if err != nil {
		return res, fmt.Errorf("cancel triggers for %s/%s: %w", namespace, graphName, err)
	}

	res.CancelledCount = n
	if n == 0 {
		res.Message = "No pending triggers found to cancel"
		return res, nil
	}
	res.Message = fmt.Sprintf("Successfully cancelled %d trigger(s)", n)
	r.metrics.TriggersCancelled(int(n))
	r.logger.Infow("cancelled triggers", "namespace", namespace, "graph", graphName, "count", n)
	return res, nil
}
