package domain

import (
	"slices"
	"time"
)

type NodeTemplate struct {
	NodeName       string            `json:"node_name" yaml:"node_name"`
	Namespace      string            `json:"namespace" yaml:"namespace"`
	Identifier     string            `json:"identifier" yaml:"identifier"`
	Inputs         map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	NextNodes      []string          `json:"next_nodes,omitempty" yaml:"next_nodes,omitempty"`
	Unites         string            `json:"unites,omitempty" yaml:"unites,omitempty"`
	TimeoutMinutes *int              `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
}

// GraphTemplate declares the nodes of a graph along with its retry policy and
// the triggers that should exist for it. Triggers is the desired set; the
// materialized Trigger rows are derived from it by reconciliation.
type GraphTemplate struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace" yaml:"namespace"`

	Nodes       []NodeTemplate       `json:"nodes" yaml:"nodes"`
	RetryPolicy RetryPolicy          `json:"retry_policy" yaml:"retry_policy"`
	Triggers    []TriggerDeclaration `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Webhook     *WebhookConfig       `json:"webhook,omitempty" yaml:"webhook,omitempty"`

	CreatedAt time.Time `json:"-" yaml:"-"`
	UpdatedAt time.Time `json:"-" yaml:"-"`
}

// CronTriggers returns the template's cron declarations deduplicated by
// (expression, timezone), preserving first-seen order.
func (g GraphTemplate) CronTriggers() []CronTrigger {
	seen := make(map[CronTrigger]struct{}, len(g.Triggers))
	out := make([]CronTrigger, 0, len(g.Triggers))
	for _, decl := range g.Triggers {
		c, ok := decl.Cron()
		if !ok {
			continue
		}
		c = c.Normalize()
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

type WebhookEvent string

const (
	EventGraphFailed WebhookEvent = "GRAPH_FAILED"
)

type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Events  []WebhookEvent    `json:"events" yaml:"events"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty" yaml:"secret,omitempty"` // HMAC secret
}

func (w *WebhookConfig) Subscribes(event WebhookEvent) bool {
	if w == nil || w.URL == "" {
		return false
	}
	return slices.Contains(w.Events, event)
}

// GraphFailedEvent is the payload delivered when a state exhausts its retries.
type GraphFailedEvent struct {
	Event         WebhookEvent `json:"event"`
	Namespace     string       `json:"namespace"`
	GraphName     string       `json:"graph_name"`
	RunID         string       `json:"run_id"`
	FailedStateID string       `json:"failed_state_id"`
	NodeName      string       `json:"node_name"`
	Error         string       `json:"error"`
	Timestamp     string       `json:"timestamp"` // RFC 3339, UTC
}

// Notification pairs an event payload with where it should be delivered.
type Notification struct {
	Webhook WebhookConfig
	Payload GraphFailedEvent
}
