package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type TriggerKind string

const (
	TriggerKindCron TriggerKind = "CRON"
)

type TriggerStatus string

const (
	TriggerStatusPending    TriggerStatus = "PENDING"
	TriggerStatusTriggering TriggerStatus = "TRIGGERING"
	TriggerStatusTriggered  TriggerStatus = "TRIGGERED"
	TriggerStatusFailed     TriggerStatus = "FAILED"
	TriggerStatusCancelled  TriggerStatus = "CANCELLED"
)

// IsTerminal reports whether documents in this status are eligible for expiry.
func (s TriggerStatus) IsTerminal() bool {
	switch s {
	case TriggerStatusTriggered, TriggerStatusFailed, TriggerStatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultTimezone is applied to trigger declarations that omit a timezone.
const DefaultTimezone = "UTC"

// Trigger is one materialized firing (current or future) of a graph.
//
// TriggerTime is always UTC. ExpiresAt stays nil while the trigger is
// PENDING or TRIGGERING and is set once it reaches a terminal status.
type Trigger struct {
	ID uuid.UUID

	Kind       TriggerKind
	Expression string
	Timezone   string

	GraphName string
	Namespace string

	TriggerTime time.Time
	Status      TriggerStatus
	ExpiresAt   *time.Time
}

// Definition rebuilds the kind-specific declaration this trigger was materialized from.
func (t Trigger) Definition() (TriggerDefinition, error) {
	switch t.Kind {
	case TriggerKindCron:
		return CronTrigger{Expression: t.Expression, Timezone: t.Timezone}.Normalize(), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
}

// TriggerDefinition is the kind-specific payload of a declared trigger.
// New trigger kinds implement it; the claim and dispatch path never looks inside.
type TriggerDefinition interface {
	Kind() TriggerKind
}

// CronTrigger fires a graph on a cron schedule evaluated in an IANA timezone.
type CronTrigger struct {
	Expression string `json:"expression" yaml:"expression"`
	Timezone   string `json:"timezone" yaml:"timezone"`
}

func (CronTrigger) Kind() TriggerKind { return TriggerKindCron }

// Normalize fills in the default timezone.
func (c CronTrigger) Normalize() CronTrigger {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	return c
}

// TriggerDeclaration is a template's desired trigger, discriminated by "type".
type TriggerDeclaration struct {
	Value TriggerDefinition
}

// Cron returns the cron payload, or false for other kinds.
func (d TriggerDeclaration) Cron() (CronTrigger, bool) {
	c, ok := d.Value.(CronTrigger)
	return c, ok
}

type triggerEnvelope struct {
	Type       TriggerKind `json:"type" yaml:"type"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Timezone   string      `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

func (e triggerEnvelope) definition() (TriggerDefinition, error) {
	switch e.Type {
	case TriggerKindCron:
		return CronTrigger{Expression: e.Expression, Timezone: e.Timezone}.Normalize(), nil
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTrigger, e.Type)
	}
}

func envelopeOf(def TriggerDefinition) (triggerEnvelope, error) {
	switch v := def.(type) {
	case CronTrigger:
		return triggerEnvelope{Type: TriggerKindCron, Expression: v.Expression, Timezone: v.Timezone}, nil
	case nil:
		return triggerEnvelope{}, fmt.Errorf("%w: empty trigger declaration", ErrInvalidTrigger)
	default:
		return triggerEnvelope{}, fmt.Errorf("%w: unsupported trigger kind %q", ErrInvalidTrigger, def.Kind())
	}
}

func (d TriggerDeclaration) MarshalJSON() ([]byte, error) {
	env, err := envelopeOf(d.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (d *TriggerDeclaration) UnmarshalJSON(data []byte) error {
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	def, err := env.definition()
	if err != nil {
		return err
	}
	d.Value = def
	return nil
}

func (d TriggerDeclaration) MarshalYAML() (interface{}, error) {
	return envelopeOf(d.Value)
}

func (d *TriggerDeclaration) UnmarshalYAML(node *yaml.Node) error {
	var env triggerEnvelope
	if err := node.Decode(&env); err != nil {
		return err
	}
	def, err := env.definition()
	if err != nil {
		return err
	}
	d.Value = def
	return nil
}

// TriggerFilter selects PENDING triggers of one graph for a bulk transition.
type TriggerFilter struct {
	Namespace string
	GraphName string

	// Kind restricts the match to one trigger kind; empty matches every kind.
	Kind TriggerKind

	// Schedules restricts the match to these (expression, timezone) pairs;
	// empty matches every schedule.
	Schedules []CronTrigger
}
