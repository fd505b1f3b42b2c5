package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/exospherehost/runtime/internal/testutil"
)

const hook = "https://hooks.acme.test/graph"

func newTestBreaker(threshold int) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	cb := New(threshold, time.Minute)
	cb.clock = clock.Now
	return cb, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if err := cb.Allow(hook); err != nil {
		t.Fatalf("unknown URL should be allowed, got %v", err)
	}

	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	if err := cb.Allow(hook); err != nil {
		t.Errorf("below threshold should be allowed, got %v", err)
	}

	cb.RecordFailure(hook)
	if err := cb.Allow(hook); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if got := cb.State(hook); got != StateOpen {
		t.Errorf("State() = %s, want open", got)
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.RecordFailure(hook)

	clock.Advance(59 * time.Second)
	if err := cb.Allow(hook); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before cooldown Allow() = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("after cooldown a trial call should be allowed, got %v", err)
	}
	if err := cb.Allow(hook); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent trial call should be rejected, got %v", err)
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb, clock := newTestBreaker(2)
		cb.RecordFailure(hook)
		cb.RecordFailure(hook)
		clock.Advance(time.Minute)
		_ = cb.Allow(hook)

		cb.RecordSuccess(hook)
		if got := cb.State(hook); got != StateClosed {
			t.Errorf("State() = %s, want closed", got)
		}
		cb.RecordFailure(hook)
		if err := cb.Allow(hook); err != nil {
			t.Errorf("failure count should restart after success, got %v", err)
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb, clock := newTestBreaker(5)
		for i := 0; i < 5; i++ {
			cb.RecordFailure(hook)
		}
		clock.Advance(time.Minute)
		_ = cb.Allow(hook)

		cb.RecordFailure(hook)
		if err := cb.Allow(hook); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
		}
	})
}

func TestBreaker_IndependentURLs(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.RecordFailure(hook)

	if err := cb.Allow("https://other.test"); err != nil {
		t.Errorf("other URL should be allowed, got %v", err)
	}
}

func TestBreaker_DisabledWithZeroThreshold(t *testing.T) {
	cb, _ := newTestBreaker(0)
	for i := 0; i < 10; i++ {
		cb.RecordFailure(hook)
	}
	if err := cb.Allow(hook); err != nil {
		t.Errorf("disabled breaker should allow, got %v", err)
	}
}
