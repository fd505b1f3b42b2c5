package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SweepCompleted(duration time.Duration, claimed int, err error)         {}
func (n *NoopSink) TriggerOutcome(outcome string)                                         {}
func (n *NoopSink) OccurrenceInserted(source string)                                      {}
func (n *NoopSink) OccurrenceDuplicate(source string)                                     {}
func (n *NoopSink) TriggersCancelled(count int)                                           {}
func (n *NoopSink) TriggersPurged(count int)                                              {}
func (n *NoopSink) RetryOutcome(outcome string)                                           {}
func (n *NoopSink) StatesTimedOut(count int)                                              {}
func (n *NoopSink) WebhookAttemptCompleted(statusClass string, duration time.Duration)    {}
func (n *NoopSink) WebhookOutcome(outcome string)                                         {}
func (n *NoopSink) NotificationDropped()                                                  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                             {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                        {}

var _ Sink = (*NoopSink)(nil)
