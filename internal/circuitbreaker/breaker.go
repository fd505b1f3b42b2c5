// Package circuitbreaker tracks consecutive delivery failures per webhook URL
// and stops calling a URL for a cooldown once it crosses the threshold.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type urlState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*urlState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New returns a breaker. A threshold below 1 disables it.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*urlState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a request to url may proceed. After the cooldown a
// single trial call is let through; its outcome closes or re-opens the circuit.
func (cb *CircuitBreaker) Allow(url string) error {
	if cb.threshold < 1 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[url]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.states, url)
}

func (cb *CircuitBreaker) RecordFailure(url string) {
	if cb.threshold < 1 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[url]
	if !ok {
		s = &urlState{state: StateClosed}
		cb.states[url] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = StateOpen
		s.openedAt = cb.clock()
	}
}

func (cb *CircuitBreaker) State(url string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[url]; ok {
		return s.state
	}
	return StateClosed
}
