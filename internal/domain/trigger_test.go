package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestTriggerStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status TriggerStatus
		want   bool
	}{
		{TriggerStatusPending, false},
		{TriggerStatusTriggering, false},
		{TriggerStatusTriggered, true},
		{TriggerStatusFailed, true},
		{TriggerStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerDeclaration_JSON(t *testing.T) {
	var decl TriggerDeclaration
	if err := json.Unmarshal([]byte(`{"type":"CRON","expression":"0 9 * * *"}`), &decl); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	c, ok := decl.Cron()
	if !ok {
		t.Fatal("expected a cron declaration")
	}
	if c.Expression != "0 9 * * *" || c.Timezone != "UTC" {
		t.Errorf("got %+v, want expression with UTC default", c)
	}

	out, err := json.Marshal(decl)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"type":"CRON","expression":"0 9 * * *","timezone":"UTC"}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestTriggerDeclaration_UnknownType(t *testing.T) {
	var decl TriggerDeclaration
	err := json.Unmarshal([]byte(`{"type":"WEBHOOK"}`), &decl)
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("err = %v, want ErrInvalidTrigger", err)
	}

	if _, err := json.Marshal(TriggerDeclaration{}); err == nil {
		t.Error("marshalling an empty declaration should fail")
	}
}

func TestGraphTemplate_YAMLAndDedupe(t *testing.T) {
	src := `
name: etl
namespace: acme
triggers:
  - type: CRON
    expression: "0 9 * * *"
    timezone: America/New_York
  - type: CRON
    expression: "0 9 * * *"
    timezone: America/New_York
  - type: CRON
    expression: "0 9 * * *"
    timezone: America/New_York
  - type: CRON
    expression: "*/5 * * * *"
webhook:
  url: http://hooks.local/failed
  events: [GRAPH_FAILED]
`
	var tmpl GraphTemplate
	if err := yaml.Unmarshal([]byte(src), &tmpl); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if len(tmpl.Triggers) != 4 {
		t.Fatalf("len(Triggers) = %d, want 4", len(tmpl.Triggers))
	}

	got := tmpl.CronTriggers()
	want := []CronTrigger{
		{Expression: "0 9 * * *", Timezone: "America/New_York"},
		{Expression: "*/5 * * * *", Timezone: "UTC"},
	}
	if len(got) != len(want) {
		t.Fatalf("CronTriggers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CronTriggers()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if !tmpl.Webhook.Subscribes(EventGraphFailed) {
		t.Error("webhook should subscribe to GRAPH_FAILED")
	}
	var none *WebhookConfig
	if none.Subscribes(EventGraphFailed) {
		t.Error("nil webhook should not subscribe")
	}
}

func TestTrigger_Definition(t *testing.T) {
	tr := Trigger{Kind: TriggerKindCron, Expression: "@hourly"}
	def, err := tr.Definition()
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if def.(CronTrigger).Timezone != DefaultTimezone {
		t.Errorf("timezone = %q, want UTC", def.(CronTrigger).Timezone)
	}

	if _, err := (Trigger{Kind: "OTHER"}).Definition(); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("err = %v, want ErrInvalidTrigger", err)
	}
}
