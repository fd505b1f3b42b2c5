package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Trigger sweep
	sweepsTotal          prometheus.Counter
	sweepErrorsTotal     prometheus.Counter
	sweepDuration        prometheus.Histogram
	triggersClaimedTotal prometheus.Counter
	triggerOutcomesTotal *prometheus.CounterVec
	occurrencesTotal     *prometheus.CounterVec
	duplicatesTotal      *prometheus.CounterVec
	cancelledTotal       prometheus.Counter
	purgedTotal          prometheus.Counter

	// State engine
	retryOutcomesTotal *prometheus.CounterVec
	timedOutTotal      prometheus.Counter

	// Webhook delivery
	webhookAttemptsTotal *prometheus.CounterVec
	webhookDuration      prometheus.Histogram
	webhookOutcomesTotal *prometheus.CounterVec
	droppedTotal         prometheus.Counter
	bufferSize           prometheus.Gauge
	bufferCapacity       prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initTriggerMetrics(reg)
	s.initStateMetrics(reg)
	s.initWebhookMetrics(reg)
	return s
}

func (s *PrometheusSink) initTriggerMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_trigger_sweeps_total",
		Help: "Total number of trigger sweeps run.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_trigger_sweep_errors_total",
		Help: "Total number of trigger sweeps that ended with an error.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "statemanager_trigger_sweep_duration_seconds",
		Help:    "Duration of each trigger sweep in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
	s.triggersClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_triggers_claimed_total",
		Help: "Total number of due triggers claimed by sweep workers.",
	})
	s.triggerOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_trigger_outcomes_total",
		Help: "Total number of claimed triggers by final status.",
	}, []string{"outcome"})
	s.occurrencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_trigger_occurrences_inserted_total",
		Help: "Total number of PENDING trigger occurrences inserted.",
	}, []string{"source"})
	s.duplicatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_trigger_occurrences_duplicate_total",
		Help: "Total number of occurrence inserts skipped because the occurrence already existed.",
	}, []string{"source"})
	s.cancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_triggers_cancelled_total",
		Help: "Total number of PENDING triggers cancelled.",
	})
	s.purgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_triggers_purged_total",
		Help: "Total number of expired terminal triggers deleted.",
	})

	s.register(reg, s.sweepsTotal, "statemanager_trigger_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "statemanager_trigger_sweep_errors_total")
	s.register(reg, s.sweepDuration, "statemanager_trigger_sweep_duration_seconds")
	s.register(reg, s.triggersClaimedTotal, "statemanager_triggers_claimed_total")
	s.register(reg, s.triggerOutcomesTotal, "statemanager_trigger_outcomes_total")
	s.register(reg, s.occurrencesTotal, "statemanager_trigger_occurrences_inserted_total")
	s.register(reg, s.duplicatesTotal, "statemanager_trigger_occurrences_duplicate_total")
	s.register(reg, s.cancelledTotal, "statemanager_triggers_cancelled_total")
	s.register(reg, s.purgedTotal, "statemanager_triggers_purged_total")
}

func (s *PrometheusSink) initStateMetrics(reg prometheus.Registerer) {
	s.retryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_state_retries_total",
		Help: "Total number of errored states by retry outcome.",
	}, []string{"outcome"})
	s.timedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_states_timed_out_total",
		Help: "Total number of QUEUED states moved to TIMEDOUT.",
	})

	s.register(reg, s.retryOutcomesTotal, "statemanager_state_retries_total")
	s.register(reg, s.timedOutTotal, "statemanager_states_timed_out_total")
}

func (s *PrometheusSink) initWebhookMetrics(reg prometheus.Registerer) {
	s.webhookAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "statemanager_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	s.webhookOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statemanager_webhook_outcomes_total",
		Help: "Total number of webhook notifications by outcome.",
	}, []string{"outcome"})
	s.droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statemanager_notifications_dropped_total",
		Help: "Total number of notifications dropped because the buffer was full.",
	})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statemanager_notification_buffer_size",
		Help: "Current number of notifications waiting in the buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statemanager_notification_buffer_capacity",
		Help: "Capacity of the notification buffer.",
	})

	s.register(reg, s.webhookAttemptsTotal, "statemanager_webhook_attempts_total")
	s.register(reg, s.webhookDuration, "statemanager_webhook_duration_seconds")
	s.register(reg, s.webhookOutcomesTotal, "statemanager_webhook_outcomes_total")
	s.register(reg, s.droppedTotal, "statemanager_notifications_dropped_total")
	s.register(reg, s.bufferSize, "statemanager_notification_buffer_size")
	s.register(reg, s.bufferCapacity, "statemanager_notification_buffer_capacity")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("failed to register metric", "metric", name, "error", err)
	}
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, claimed int, err error) {
	s.sweepsTotal.Inc()
	s.sweepDuration.Observe(duration.Seconds())
	s.triggersClaimedTotal.Add(float64(claimed))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggerOutcome(outcome string) {
	s.triggerOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) OccurrenceInserted(source string) {
	s.occurrencesTotal.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) OccurrenceDuplicate(source string) {
	s.duplicatesTotal.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) TriggersCancelled(count int) {
	s.cancelledTotal.Add(float64(count))
}

func (s *PrometheusSink) TriggersPurged(count int) {
	s.purgedTotal.Add(float64(count))
}

func (s *PrometheusSink) RetryOutcome(outcome string) {
	s.retryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) StatesTimedOut(count int) {
	s.timedOutTotal.Add(float64(count))
}

func (s *PrometheusSink) WebhookAttemptCompleted(statusClass string, duration time.Duration) {
	s.webhookAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) WebhookOutcome(outcome string) {
	s.webhookOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) NotificationDropped() {
	s.droppedTotal.Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

var _ Sink = (*PrometheusSink)(nil)
