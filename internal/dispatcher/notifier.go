// Package dispatcher delivers work to the outside world: graph trigger calls
// for fired cron triggers and GRAPH_FAILED webhooks for exhausted states.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/exospherehost/runtime/internal/circuitbreaker"
	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/metrics"
)

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type Breaker interface {
	Allow(url string) error
	RecordSuccess(url string)
	RecordFailure(url string)
}

// MetricsSink defines the notifier's metrics. All methods must be non-blocking.
type MetricsSink interface {
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	WebhookOutcome(outcome string)
	BufferSizeUpdate(size int)
}

// DrainTimeout is the maximum time spent delivering buffered notifications
// after shutdown.
const DrainTimeout = 10 * time.Second

// Notifier consumes notifications from the bus and delivers each one once.
// Delivery failures are logged and counted; nothing is retried.
type Notifier struct {
	sender  WebhookSender
	breaker Breaker
	metrics MetricsSink
	logger  *zap.SugaredLogger
}

func NewNotifier(sender WebhookSender, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		sender: sender,
		logger: logger.Named("notifier"),
	}
}

func (n *Notifier) WithCircuitBreaker(b Breaker) *Notifier {
	n.breaker = b
	return n
}

func (n *Notifier) WithMetrics(sink MetricsSink) *Notifier {
	n.metrics = sink
	return n
}

// Run delivers notifications until ctx is cancelled or ch is closed. After
// cancellation the remaining buffer is drained with a fresh deadline.
func (n *Notifier) Run(ctx context.Context, ch <-chan domain.Notification) {
	for {
		select {
		case <-ctx.Done():
			n.drain(ch)
			return
		case note, ok := <-ch:
			if !ok {
				return
			}
			n.updateBuffer(ch)
			n.Deliver(ctx, note)
		}
	}
}

func (n *Notifier) drain(ch <-chan domain.Notification) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	defer func() {
		if count > 0 {
			n.logger.Infow("drain complete", "delivered", count)
		}
	}()
	for {
		select {
		case <-drainCtx.Done():
			n.logger.Warnw("drain timeout", "delivered", count, "remaining", len(ch))
			return
		case note, ok := <-ch:
			if !ok {
				return
			}
			n.Deliver(drainCtx, note)
			count++
		default:
			return
		}
	}
}

func (n *Notifier) updateBuffer(ch <-chan domain.Notification) {
	if n.metrics != nil {
		n.metrics.BufferSizeUpdate(len(ch))
	}
}

// Deliver sends one notification. It reports whether the receiver answered 2xx.
func (n *Notifier) Deliver(ctx context.Context, note domain.Notification) bool {
	url := note.Webhook.URL
	log := n.logger.With("url", url, "namespace", note.Payload.Namespace,
		"graph", note.Payload.GraphName, "run_id", note.Payload.RunID)

	if n.breaker != nil {
		if err := n.breaker.Allow(url); err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				log.Warnw("circuit open, skipping webhook")
				n.outcome(metrics.OutcomeCircuitOpen)
				return false
			}
			log.Errorw("circuit breaker error", "error", err)
			return false
		}
	}

	result := n.sender.Send(ctx, WebhookRequest{
		URL:     url,
		Secret:  note.Webhook.Secret,
		Headers: note.Webhook.Headers,
		Event:   string(note.Payload.Event),
		Payload: note.Payload,
	})

	if n.metrics != nil {
		n.metrics.WebhookAttemptCompleted(metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
	}

	if result.IsSuccess() {
		if n.breaker != nil {
			n.breaker.RecordSuccess(url)
		}
		n.outcome(metrics.OutcomeSuccess)
		log.Debugw("webhook delivered", "status", result.StatusCode)
		return true
	}

	if n.breaker != nil {
		n.breaker.RecordFailure(url)
	}
	n.outcome(metrics.OutcomeFailed)
	log.Errorw("webhook delivery failed", "status", result.StatusCode, "error", result.Error)
	return false
}

func (n *Notifier) outcome(outcome string) {
	if n.metrics != nil {
		n.metrics.WebhookOutcome(outcome)
	}
}
