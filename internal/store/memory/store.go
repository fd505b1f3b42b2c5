// Package memory is an in-process Store used by tests and by
// STORE_BACKEND=memory. It enforces the same uniqueness rules as the
// Postgres schema so engine behavior under races can be exercised without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exospherehost/runtime/internal/domain"
)

type triggerKey struct {
	kind        domain.TriggerKind
	expression  string
	graphName   string
	namespace   string
	triggerTime int64
}

func keyOf(t domain.Trigger) triggerKey {
	return triggerKey{
		kind:        t.Kind,
		expression:  t.Expression,
		graphName:   t.GraphName,
		namespace:   t.Namespace,
		triggerTime: t.TriggerTime.UTC().UnixNano(),
	}
}

type templateKey struct {
	namespace string
	name      string
}

type Store struct {
	mu sync.Mutex

	triggers     map[uuid.UUID]*domain.Trigger
	triggerOrder []uuid.UUID
	triggerIndex map[triggerKey]uuid.UUID // live (non-CANCELLED) rows only

	states       map[uuid.UUID]*domain.State
	fingerprints map[string]uuid.UUID

	templates map[templateKey]domain.GraphTemplate
}

func New() *Store {
	return &Store{
		triggers:     make(map[uuid.UUID]*domain.Trigger),
		triggerIndex: make(map[triggerKey]uuid.UUID),
		states:       make(map[uuid.UUID]*domain.State),
		fingerprints: make(map[string]uuid.UUID),
		templates:    make(map[templateKey]domain.GraphTemplate),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ----------------------------------------------------------------------------
// Triggers
// ----------------------------------------------------------------------------

func (s *Store) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.TriggerTime = t.TriggerTime.UTC()

	key := keyOf(t)
	if t.Status != domain.TriggerStatusCancelled {
		if _, exists := s.triggerIndex[key]; exists {
			return domain.ErrDuplicateTrigger
		}
		s.triggerIndex[key] = t.ID
	}

	s.triggers[t.ID] = &t
	s.triggerOrder = append(s.triggerOrder, t.ID)
	return nil
}

// ClaimDueTrigger moves the first PENDING trigger due at or before now to
// TRIGGERING under the store lock. Returns nil when nothing is due.
func (s *Store) ClaimDueTrigger(ctx context.Context, now time.Time) (*domain.Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.triggerOrder {
		t, ok := s.triggers[id]
		if !ok || t.Status != domain.TriggerStatusPending || t.TriggerTime.After(now) {
			continue
		}
		t.Status = domain.TriggerStatusTriggering
		claimed := *t
		return &claimed, nil
	}
	return nil, nil
}

func (s *Store) MarkTrigger(ctx context.Context, id uuid.UUID, status domain.TriggerStatus, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	s.setTriggerStatus(t, status, expiresAt)
	return nil
}

func (s *Store) setTriggerStatus(t *domain.Trigger, status domain.TriggerStatus, expiresAt time.Time) {
	if status == domain.TriggerStatusCancelled {
		delete(s.triggerIndex, keyOf(*t))
	}
	exp := expiresAt.UTC()
	t.Status = status
	t.ExpiresAt = &exp
}

func (s *Store) CancelPendingTriggers(ctx context.Context, filter domain.TriggerFilter, expiresAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.triggerOrder {
		t, ok := s.triggers[id]
		if !ok || t.Status != domain.TriggerStatusPending || !matches(*t, filter) {
			continue
		}
		s.setTriggerStatus(t, domain.TriggerStatusCancelled, expiresAt)
		n++
	}
	return n, nil
}

func matches(t domain.Trigger, f domain.TriggerFilter) bool {
	if t.Namespace != f.Namespace || t.GraphName != f.GraphName {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if len(f.Schedules) == 0 {
		return true
	}
	for _, sc := range f.Schedules {
		if t.Expression == sc.Expression && t.Timezone == sc.Timezone {
			return true
		}
	}
	return false
}

func (s *Store) MarkLegacyTriggersCancelled(ctx context.Context, expiresAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.triggers {
		if t.ExpiresAt != nil {
			continue
		}
		if t.Status == domain.TriggerStatusTriggered || t.Status == domain.TriggerStatusFailed {
			s.setTriggerStatus(t, domain.TriggerStatusCancelled, expiresAt)
			n++
		}
	}
	return n, nil
}

// PurgeExpiredTriggers deletes terminal triggers whose expiry has passed.
func (s *Store) PurgeExpiredTriggers(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	kept := s.triggerOrder[:0]
	for _, id := range s.triggerOrder {
		t := s.triggers[id]
		if t.Status.IsTerminal() && t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			if s.triggerIndex[keyOf(*t)] == id {
				delete(s.triggerIndex, keyOf(*t))
			}
			delete(s.triggers, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.triggerOrder = kept
	return n, nil
}

// ListTriggers returns the triggers of one graph in insertion order.
func (s *Store) ListTriggers(ctx context.Context, namespace, graphName string) ([]domain.Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trigger
	for _, id := range s.triggerOrder {
		t := s.triggers[id]
		if t.Namespace == namespace && t.GraphName == graphName {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Graph templates
// ----------------------------------------------------------------------------

func (s *Store) GetTemplate(ctx context.Context, namespace, name string) (domain.GraphTemplate, error) {
	if err := ctx.Err(); err != nil {
		return domain.GraphTemplate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl, ok := s.templates[templateKey{namespace, name}]
	if !ok {
		return domain.GraphTemplate{}, domain.ErrTemplateNotFound
	}
	return tmpl, nil
}

func (s *Store) UpsertTemplate(ctx context.Context, tmpl domain.GraphTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := templateKey{tmpl.Namespace, tmpl.Name}
	if old, ok := s.templates[key]; ok {
		tmpl.CreatedAt = old.CreatedAt
	}
	s.templates[key] = tmpl
	return nil
}

// ----------------------------------------------------------------------------
// States
// ----------------------------------------------------------------------------

func (s *Store) InsertState(ctx context.Context, st domain.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := st.Fingerprint()
	if _, exists := s.fingerprints[fp]; exists {
		return domain.ErrDuplicateState
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	s.fingerprints[fp] = st.ID
	s.states[st.ID] = &st
	return nil
}

func (s *Store) GetState(ctx context.Context, id uuid.UUID) (domain.State, error) {
	if err := ctx.Err(); err != nil {
		return domain.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.State{}, domain.ErrStateNotFound
	}
	return *st, nil
}

func (s *Store) UpdateStateStatus(ctx context.Context, id uuid.UUID, status domain.StateStatus, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.ErrStateNotFound
	}
	st.Status = status
	st.Error = errMsg
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// QueueState moves a CREATED state to QUEUED and stamps its timeout.
func (s *Store) QueueState(ctx context.Context, id uuid.UUID, timeoutAt int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.ErrStateNotFound
	}
	if st.Status != domain.StateStatusCreated {
		return domain.ErrInvalidStateStatus
	}
	st.Status = domain.StateStatusQueued
	st.TimeoutAt = &timeoutAt
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkTimedOutStates(ctx context.Context, nowMs int64, errMsg string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, st := range s.states {
		if st.Status != domain.StateStatusQueued || st.TimeoutAt == nil || *st.TimeoutAt > nowMs {
			continue
		}
		st.Status = domain.StateStatusTimedOut
		st.Error = errMsg
		st.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}
