// Package testutil provides shared test helpers for the state manager.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/exospherehost/runtime/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// NowMillis returns the fake time as UTC epoch milliseconds.
func (c *FakeClock) NowMillis() int64 {
	return domain.Millis(c.Now())
}

// TestContext returns a context with a 5-second timeout that is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Logger routes component logs to the test output.
func Logger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t).Sugar()
}

// PendingCronTrigger builds a PENDING cron trigger due at the given instant.
func PendingCronTrigger(ns, graph, expr, tz string, at time.Time) domain.Trigger {
	return domain.Trigger{
		ID:          uuid.New(),
		Kind:        domain.TriggerKindCron,
		Expression:  expr,
		Timezone:    tz,
		Namespace:   ns,
		GraphName:   graph,
		TriggerTime: at.UTC(),
		Status:      domain.TriggerStatusPending,
	}
}

// QueuedState builds a QUEUED state for the given node with no timeout set.
func QueuedState(ns, graph, node string) domain.State {
	return domain.State{
		ID:            uuid.New(),
		NodeName:      node,
		NamespaceName: ns,
		GraphName:     graph,
		RunID:         uuid.NewString(),
		Identifier:    node,
		Status:        domain.StateStatusQueued,
		Inputs:        map[string]string{},
		Outputs:       map[string]string{},
		Parents:       map[string]uuid.UUID{},
	}
}
