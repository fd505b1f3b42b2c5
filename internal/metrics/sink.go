package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Trigger sweep
	SweepCompleted(duration time.Duration, claimed int, err error)
	TriggerOutcome(outcome string)
	OccurrenceInserted(source string)
	OccurrenceDuplicate(source string)
	TriggersCancelled(count int)
	TriggersPurged(count int)

	// State engine
	RetryOutcome(outcome string)
	StatesTimedOut(count int)

	// Webhook delivery
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	WebhookOutcome(outcome string)
	NotificationDropped()
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
}

// Sources for OccurrenceInserted / OccurrenceDuplicate.
const (
	SourceRegeneration    = "regeneration"
	SourceMaterialization = "materialization"
)

// Outcomes for RetryOutcome.
const (
	RetryCreated      = "created"
	RetryDeduplicated = "deduplicated"
	RetryExhausted    = "exhausted"
	RetryManual       = "manual"
)

// Outcomes for WebhookOutcome.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
)

const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		default:
			return StatusClassOtherError
		}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
