package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	s := NewNoopSink()

	s.SweepCompleted(100*time.Millisecond, 5, nil)
	s.SweepCompleted(time.Millisecond, 0, errors.New("x"))
	s.TriggerOutcome("TRIGGERED")
	s.OccurrenceInserted(SourceRegeneration)
	s.OccurrenceDuplicate(SourceMaterialization)
	s.TriggersCancelled(2)
	s.TriggersPurged(3)
	s.RetryOutcome(RetryDeduplicated)
	s.StatesTimedOut(1)
	s.WebhookAttemptCompleted(StatusClass2xx, 20*time.Millisecond)
	s.WebhookOutcome(OutcomeSuccess)
	s.NotificationDropped()
	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
}
