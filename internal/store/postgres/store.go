// Package postgres stores triggers, states and graph templates in
// PostgreSQL. Uniqueness and expiry rules live in the schema under
// migrations/.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/exospherehost/runtime/internal/domain"
)

type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isDuplicateKeyError reports whether err is a unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var (
		t         domain.Trigger
		kind      string
		status    string
		expiresAt sql.NullTime
	)
	err := row.Scan(&t.ID, &kind, &t.Expression, &t.Timezone, &t.GraphName, &t.Namespace,
		&t.TriggerTime, &status, &expiresAt)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Kind = domain.TriggerKind(kind)
	t.Status = domain.TriggerStatus(status)
	t.TriggerTime = t.TriggerTime.UTC()
	if expiresAt.Valid {
		exp := expiresAt.Time.UTC()
		t.ExpiresAt = &exp
	}
	return t, nil
}

// ----------------------------------------------------------------------------
// Triggers
// ----------------------------------------------------------------------------

// InsertTrigger returns domain.ErrDuplicateTrigger when a live row for the
// same (kind, expression, graph, namespace, trigger_time) already exists.
func (s *Store) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = t.ExpiresAt.UTC()
	}

	res, err := s.db.ExecContext(ctx, queryInsertTrigger,
		t.ID,
		string(t.Kind),
		t.Expression,
		t.Timezone,
		t.GraphName,
		t.Namespace,
		t.TriggerTime.UTC(),
		string(t.Status),
		expiresAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateTrigger
		}
		return fmt.Errorf("insert trigger: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateTrigger
	}
	return nil
}

// ClaimDueTrigger atomically moves the oldest due PENDING trigger to
// TRIGGERING. It returns nil, nil when nothing is due.
func (s *Store) ClaimDueTrigger(ctx context.Context, now time.Time) (*domain.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryClaimDueTrigger, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim trigger: %w", err)
	}
	return &t, nil
}

func (s *Store) MarkTrigger(ctx context.Context, id uuid.UUID, status domain.TriggerStatus, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, queryMarkTrigger, id, string(status), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark trigger: %w", err)
	}
	if n == 0 {
		return domain.ErrTriggerNotFound
	}
	return nil
}

func (s *Store) CancelPendingTriggers(ctx context.Context, filter domain.TriggerFilter, expiresAt time.Time) (int64, error) {
	expressions := make([]string, 0, len(filter.Schedules))
	timezones := make([]string, 0, len(filter.Schedules))
	for _, sc := range filter.Schedules {
		sc = sc.Normalize()
		expressions = append(expressions, sc.Expression)
		timezones = append(timezones, sc.Timezone)
	}

	res, err := s.db.ExecContext(ctx, queryCancelPendingTriggers,
		filter.Namespace,
		filter.GraphName,
		string(filter.Kind),
		pq.Array(expressions),
		pq.Array(timezones),
		expiresAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel triggers: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) MarkLegacyTriggersCancelled(ctx context.Context, expiresAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryMarkLegacyTriggersCancelled, expiresAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel legacy triggers: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpiredTriggers deletes terminal triggers whose expires_at has passed.
// PENDING and TRIGGERING rows are never touched.
func (s *Store) PurgeExpiredTriggers(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryPurgeExpiredTriggers, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge triggers: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListTriggers(ctx context.Context, namespace, graphName string) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, queryListTriggers, namespace, graphName)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Graph templates
// ----------------------------------------------------------------------------

func (s *Store) GetTemplate(ctx context.Context, namespace, name string) (domain.GraphTemplate, error) {
	var (
		spec []byte
		tmpl domain.GraphTemplate
	)
	err := s.db.QueryRowContext(ctx, queryGetTemplate, namespace, name).
		Scan(&spec, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GraphTemplate{}, domain.ErrTemplateNotFound
	}
	if err != nil {
		return domain.GraphTemplate{}, fmt.Errorf("get template: %w", err)
	}

	createdAt, updatedAt := tmpl.CreatedAt, tmpl.UpdatedAt
	if err := json.Unmarshal(spec, &tmpl); err != nil {
		return domain.GraphTemplate{}, fmt.Errorf("decode template %s/%s: %w", namespace, name, err)
	}
	tmpl.CreatedAt, tmpl.UpdatedAt = createdAt, updatedAt
	return tmpl, nil
}

func (s *Store) UpsertTemplate(ctx context.Context, tmpl domain.GraphTemplate) error {
	spec, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryUpsertTemplate, tmpl.Namespace, tmpl.Name, spec, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// States
// ----------------------------------------------------------------------------

func jsonOrEmpty(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

// InsertState returns domain.ErrDuplicateState when a state with the same
// fingerprint already exists.
func (s *Store) InsertState(ctx context.Context, st domain.State) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	inputs, err := jsonOrEmpty(st.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	outputs, err := jsonOrEmpty(st.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	parents, err := jsonOrEmpty(st.Parents)
	if err != nil {
		return fmt.Errorf("encode parents: %w", err)
	}

	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}

	var timeoutMinutes sql.NullInt32
	if st.TimeoutMinutes != nil {
		timeoutMinutes = sql.NullInt32{Int32: int32(*st.TimeoutMinutes), Valid: true}
	}
	var timeoutAt sql.NullInt64
	if st.TimeoutAt != nil {
		timeoutAt = sql.NullInt64{Int64: *st.TimeoutAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, queryInsertState,
		st.ID,
		st.NodeName,
		st.NamespaceName,
		st.GraphName,
		st.RunID,
		st.Identifier,
		string(st.Status),
		inputs,
		outputs,
		st.Error,
		parents,
		st.DoesUnites,
		st.FanoutID,
		st.ManualRetryFanoutID,
		st.RetryCount,
		st.EnqueueAfter,
		timeoutMinutes,
		timeoutAt,
		st.Fingerprint(),
		createdAt.UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateState
		}
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, id uuid.UUID) (domain.State, error) {
	var (
		st                       domain.State
		status                   string
		inputs, outputs, parents []byte
		timeoutMinutes           sql.NullInt32
		timeoutAt                sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, queryGetState, id).Scan(
		&st.ID,
		&st.NodeName,
		&st.NamespaceName,
		&st.GraphName,
		&st.RunID,
		&st.Identifier,
		&status,
		&inputs,
		&outputs,
		&st.Error,
		&parents,
		&st.DoesUnites,
		&st.FanoutID,
		&st.ManualRetryFanoutID,
		&st.RetryCount,
		&st.EnqueueAfter,
		&timeoutMinutes,
		&timeoutAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.State{}, domain.ErrStateNotFound
	}
	if err != nil {
		return domain.State{}, fmt.Errorf("get state: %w", err)
	}

	st.Status = domain.StateStatus(status)
	if err := json.Unmarshal(inputs, &st.Inputs); err != nil {
		return domain.State{}, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(outputs, &st.Outputs); err != nil {
		return domain.State{}, fmt.Errorf("decode outputs: %w", err)
	}
	if err := json.Unmarshal(parents, &st.Parents); err != nil {
		return domain.State{}, fmt.Errorf("decode parents: %w", err)
	}
	if timeoutMinutes.Valid {
		m := int(timeoutMinutes.Int32)
		st.TimeoutMinutes = &m
	}
	if timeoutAt.Valid {
		at := timeoutAt.Int64
		st.TimeoutAt = &at
	}
	return st, nil
}

func (s *Store) UpdateStateStatus(ctx context.Context, id uuid.UUID, status domain.StateStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, queryUpdateStateStatus, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if n == 0 {
		return domain.ErrStateNotFound
	}
	return nil
}

// QueueState moves a CREATED state to QUEUED. When no row is updated it
// distinguishes a missing state from one in the wrong status.
func (s *Store) QueueState(ctx context.Context, id uuid.UUID, timeoutAt int64) error {
	res, err := s.db.ExecContext(ctx, queryQueueState, id, timeoutAt)
	if err != nil {
		return fmt.Errorf("queue state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue state: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, queryStateExists, id).Scan(&exists); err != nil {
		return fmt.Errorf("queue state: %w", err)
	}
	if !exists {
		return domain.ErrStateNotFound
	}
	return domain.ErrInvalidStateStatus
}

func (s *Store) MarkTimedOutStates(ctx context.Context, nowMs int64, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryMarkTimedOutStates, nowMs, errMsg)
	if err != nil {
		return 0, fmt.Errorf("mark timed out: %w", err)
	}
	return res.RowsAffected()
}
