// Package states advances execution states on error, manual retry and queueing.
package states

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
)

type Store interface {
	GetState(ctx context.Context, id uuid.UUID) (domain.State, error)
	// InsertState returns domain.ErrDuplicateState when the fingerprint is taken.
	InsertState(ctx context.Context, s domain.State) error
	UpdateStateStatus(ctx context.Context, id uuid.UUID, status domain.StateStatus, errMsg string) error
	QueueState(ctx context.Context, id uuid.UUID, timeoutAt int64) error
	GetTemplate(ctx context.Context, namespace, name string) (domain.GraphTemplate, error)
}

// Notifier hands a webhook notification off for delivery. It must not block;
// false means the notification was dropped.
type Notifier interface {
	Publish(n domain.Notification) bool
}

type MetricsSink interface {
	RetryOutcome(outcome string)
}

type Config struct {
	NodeTimeout time.Duration
}

type ErroredResult struct {
	Status       domain.StateStatus `json:"status"`
	RetryCreated bool               `json:"retry_created"`
}

type ManualRetryResult struct {
	ID     uuid.UUID          `json:"id"`
	Status domain.StateStatus `json:"status"`
}

type Engine struct {
	config   Config
	store    Store
	notifier Notifier
	metrics  MetricsSink
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

func New(config Config, store Store, notifier Notifier, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		config:   config,
		store:    store,
		notifier: notifier,
		metrics:  metrics.NewNoopSink(),
		logger:   logger.Named("states"),
		clock:    time.Now,
	}
}

func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// Errored records a failure reported for a QUEUED state. While the template's
// retry budget allows it a successor is created and the state becomes
// RETRY_CREATED; otherwise it becomes ERRORED and GRAPH_FAILED is announced.
func (e *Engine) Errored(ctx context.Context, namespace string, id uuid.UUID, errMsg string) (ErroredResult, error) {
	log := e.logger.With("namespace", namespace, "state_id", id)

	state, err := e.getState(ctx, namespace, id)
	if err != nil {
		return ErroredResult{}, err
	}
	switch state.Status {
	case domain.StateStatusQueued:
	case domain.StateStatusExecuted:
		return ErroredResult{}, domain.ErrStateAlreadyExecuted
	default:
		return ErroredResult{}, fmt.Errorf("%w: state %s is %s, want QUEUED", domain.ErrInvalidStateStatus, id, state.Status)
	}

	tmpl, err := e.store.GetTemplate(ctx, namespace, state.GraphName)
	if err != nil {
		return ErroredResult{}, fmt.Errorf("get template %s/%s: %w", namespace, state.GraphName, err)
	}

	retryCreated := false
	if state.RetryCount < tmpl.RetryPolicy.MaxRetries {
		now := e.clock().UTC()
		attempt := state.RetryCount + 1
		retry := state.RetrySuccessor(attempt, domain.Millis(now)+tmpl.RetryPolicy.ComputeDelay(attempt), now)

		err := e.store.InsertState(ctx, retry)
		switch {
		case err == nil:
			log.Infow("retry state created", "retry_id", retry.ID, "retry_count", attempt, "enqueue_after", retry.EnqueueAfter)
			e.metrics.RetryOutcome(metrics.RetryCreated)
		case errors.Is(err, domain.ErrDuplicateState):
			log.Infow("retry state already exists", "retry_count", attempt)
			e.metrics.RetryOutcome(metrics.RetryDeduplicated)
		default:
			return ErroredResult{}, fmt.Errorf("insert retry state: %w", err)
		}
		retryCreated = true
	}

	status := domain.StateStatusErrored
	if retryCreated {
		status = domain.StateStatusRetryCreated
	}
	if err := e.store.UpdateStateStatus(ctx, id, status, errMsg); err != nil {
		return ErroredResult{}, fmt.Errorf("update state %s: %w", id, err)
	}

	if !retryCreated {
		e.metrics.RetryOutcome(metrics.RetryExhausted)
		log.Infow("retries exhausted", "retry_count", state.RetryCount, "max_retries", tmpl.RetryPolicy.MaxRetries)
		e.notifyGraphFailed(tmpl, state, errMsg)
	}

	return ErroredResult{Status: status, RetryCreated: retryCreated}, nil
}

func (e *Engine) notifyGraphFailed(tmpl domain.GraphTemplate, state domain.State, errMsg string) {
	if e.notifier == nil || !tmpl.Webhook.Subscribes(domain.EventGraphFailed) {
		return
	}
	ok := e.notifier.Publish(domain.Notification{
		Webhook: *tmpl.Webhook,
		Payload: domain.GraphFailedEvent{
			Event:         domain.EventGraphFailed,
			Namespace:     state.NamespaceName,
			GraphName:     state.GraphName,
			RunID:         state.RunID,
			FailedStateID: state.ID.String(),
			NodeName:      state.NodeName,
			Error:         errMsg,
			Timestamp:     e.clock().UTC().Format(time.RFC3339),
		},
	})
	if !ok {
		e.logger.Warnw("graph failed notification dropped", "graph", state.GraphName, "run_id", state.RunID)
	}
}

// ManualRetry creates a fresh attempt of a state regardless of the retry
// budget. fanoutID distinguishes repeated manual retries of the same node; a
// repeat with the same fanoutID fails with domain.ErrDuplicateState.
func (e *Engine) ManualRetry(ctx context.Context, namespace string, id uuid.UUID, fanoutID string) (ManualRetryResult, error) {
	state, err := e.getState(ctx, namespace, id)
	if err != nil {
		return ManualRetryResult{}, err
	}

	now := e.clock().UTC()
	retry := state.RetrySuccessor(state.RetryCount, domain.Millis(now), now)
	retry.FanoutID = fanoutID
	retry.ManualRetryFanoutID = fanoutID

	if err := e.store.InsertState(ctx, retry); err != nil {
		if errors.Is(err, domain.ErrDuplicateState) {
			e.logger.Infow("manual retry already exists", "state_id", id, "fanout_id", fanoutID)
			return ManualRetryResult{}, err
		}
		return ManualRetryResult{}, fmt.Errorf("insert manual retry: %w", err)
	}
	e.metrics.RetryOutcome(metrics.RetryManual)

	if err := e.store.UpdateStateStatus(ctx, id, domain.StateStatusRetryCreated, state.Error); err != nil {
		return ManualRetryResult{}, fmt.Errorf("update state %s: %w", id, err)
	}

	e.logger.Infow("manual retry created", "state_id", id, "retry_id", retry.ID)
	return ManualRetryResult{ID: retry.ID, Status: retry.Status}, nil
}

// MarkQueued moves a CREATED state to QUEUED and stamps its timeout deadline
// from the node's own timeout or the global default.
func (e *Engine) MarkQueued(ctx context.Context, id uuid.UUID) (int64, error) {
	state, err := e.store.GetState(ctx, id)
	if err != nil {
		return 0, err
	}

	timeout := e.config.NodeTimeout
	if state.TimeoutMinutes != nil && *state.TimeoutMinutes > 0 {
		timeout = time.Duration(*state.TimeoutMinutes) * time.Minute
	}
	timeoutAt := domain.Millis(e.clock()) + timeout.Milliseconds()

	if err := e.store.QueueState(ctx, id, timeoutAt); err != nil {
		return 0, err
	}
	return timeoutAt, nil
}

func (e *Engine) getState(ctx context.Context, namespace string, id uuid.UUID) (domain.State, error) {
	state, err := e.store.GetState(ctx, id)
	if err != nil {
		return domain.State{}, err
	}
	if state.NamespaceName != namespace {
		return domain.State{}, domain.ErrStateNotFound
	}
	return state, nil
}
