package memory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exospherehost/runtime/internal/domain"
	"github.com/exospherehost/runtime/internal/testutil"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func TestClaimDueTrigger_ExactlyOneWinner(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()
	require.NoError(t, s.InsertTrigger(ctx, testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDueTrigger(ctx, t0.Add(time.Minute))
			assert.NoError(t, err)
			if claimed != nil {
				wins.Add(1)
				assert.Equal(t, domain.TriggerStatusTriggering, claimed.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimDueTrigger_SkipsFutureAndNonPending(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	future := testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0.Add(time.Hour))
	require.NoError(t, s.InsertTrigger(ctx, future))

	claimed, err := s.ClaimDueTrigger(ctx, t0)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// Due exactly at now is eligible.
	claimed, err = s.ClaimDueTrigger(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, future.ID, claimed.ID)

	claimed, err = s.ClaimDueTrigger(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, claimed, "a TRIGGERING trigger must not be claimed twice")
}

func TestInsertTrigger_UniqueOccurrence(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	first := testutil.PendingCronTrigger("acme", "etl", "0 9 * * *", "UTC", t0)
	require.NoError(t, s.InsertTrigger(ctx, first))

	dup := testutil.PendingCronTrigger("acme", "etl", "0 9 * * *", "UTC", t0)
	assert.ErrorIs(t, s.InsertTrigger(ctx, dup), domain.ErrDuplicateTrigger)

	other := testutil.PendingCronTrigger("acme", "other", "0 9 * * *", "UTC", t0)
	assert.NoError(t, s.InsertTrigger(ctx, other))

	// Cancelling frees the slot for a fresh materialization.
	_, err := s.CancelPendingTriggers(ctx, domain.TriggerFilter{Namespace: "acme", GraphName: "etl"}, t0)
	require.NoError(t, err)
	assert.NoError(t, s.InsertTrigger(ctx, testutil.PendingCronTrigger("acme", "etl", "0 9 * * *", "UTC", t0)))
}

func TestCancelPendingTriggers_Filter(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	keep := testutil.PendingCronTrigger("acme", "etl", "*/5 * * * *", "UTC", t0)
	drop := testutil.PendingCronTrigger("acme", "etl", "0 9 * * *", "America/New_York", t0)
	sameExprOtherTZ := testutil.PendingCronTrigger("acme", "etl", "0 9 * * *", "UTC", t0.Add(time.Hour))
	otherGraph := testutil.PendingCronTrigger("acme", "billing", "0 9 * * *", "America/New_York", t0)
	otherNS := testutil.PendingCronTrigger("globex", "etl", "0 9 * * *", "America/New_York", t0)
	for _, tr := range []domain.Trigger{keep, drop, sameExprOtherTZ, otherGraph, otherNS} {
		require.NoError(t, s.InsertTrigger(ctx, tr))
	}

	expires := t0.Add(720 * time.Hour)
	n, err := s.CancelPendingTriggers(ctx, domain.TriggerFilter{
		Namespace: "acme",
		GraphName: "etl",
		Kind:      domain.TriggerKindCron,
		Schedules: []domain.CronTrigger{{Expression: "0 9 * * *", Timezone: "America/New_York"}},
	}, expires)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := statusByID(t, s, "acme", "etl")
	assert.Equal(t, domain.TriggerStatusCancelled, got[drop.ID].Status)
	require.NotNil(t, got[drop.ID].ExpiresAt)
	assert.True(t, got[drop.ID].ExpiresAt.Equal(expires))
	assert.Equal(t, domain.TriggerStatusPending, got[keep.ID].Status)
	assert.Equal(t, domain.TriggerStatusPending, got[sameExprOtherTZ.ID].Status)

	for _, tr := range []domain.Trigger{otherGraph, otherNS} {
		others, err := s.ListTriggers(ctx, tr.Namespace, tr.GraphName)
		require.NoError(t, err)
		require.Len(t, others, 1)
		assert.Equal(t, domain.TriggerStatusPending, others[0].Status)
	}
}

func TestPurgeExpiredTriggers_OnlyTerminal(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	done := testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0)
	live := testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0.Add(time.Hour))
	require.NoError(t, s.InsertTrigger(ctx, done))
	require.NoError(t, s.InsertTrigger(ctx, live))
	require.NoError(t, s.MarkTrigger(ctx, done.ID, domain.TriggerStatusTriggered, t0.Add(time.Minute)))

	n, err := s.PurgeExpiredTriggers(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet expired")

	n, err = s.PurgeExpiredTriggers(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.ListTriggers(ctx, "acme", "etl")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, live.ID, left[0].ID)
}

func TestMarkLegacyTriggersCancelled(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	legacy := testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0)
	legacy.Status = domain.TriggerStatusFailed
	current := testutil.PendingCronTrigger("acme", "etl", "@hourly", "UTC", t0.Add(time.Hour))
	require.NoError(t, s.InsertTrigger(ctx, legacy))
	require.NoError(t, s.InsertTrigger(ctx, current))

	n, err := s.MarkLegacyTriggersCancelled(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := statusByID(t, s, "acme", "etl")
	assert.Equal(t, domain.TriggerStatusCancelled, got[legacy.ID].Status)
	assert.Equal(t, domain.TriggerStatusPending, got[current.ID].Status)
	assert.Nil(t, got[current.ID].ExpiresAt)
}

func TestStates_FingerprintAndTimeouts(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()
	nowMs := t0.UnixMilli()

	a := testutil.QueuedState("acme", "etl", "a")
	pastA := nowMs - 5000
	a.TimeoutAt = &pastA
	a.UpdatedAt = t0
	b := testutil.QueuedState("acme", "etl", "b")
	futureB := nowMs + 5000
	b.TimeoutAt = &futureB
	b.UpdatedAt = t0

	require.NoError(t, s.InsertState(ctx, a))
	require.NoError(t, s.InsertState(ctx, b))

	clone := a
	clone.ID = uuid.New()
	assert.ErrorIs(t, s.InsertState(ctx, clone), domain.ErrDuplicateState)

	n, err := s.MarkTimedOutStates(ctx, nowMs, "Node execution timed out")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gotA, err := s.GetState(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStatusTimedOut, gotA.Status)
	assert.Equal(t, "Node execution timed out", gotA.Error)
	assert.True(t, gotA.UpdatedAt.After(t0), "timed out state keeps a stale updated_at")

	gotB, err := s.GetState(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStatusQueued, gotB.Status)
	assert.Equal(t, t0, gotB.UpdatedAt)
}

func TestQueueState(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	st := testutil.QueuedState("acme", "etl", "a")
	st.Status = domain.StateStatusCreated
	require.NoError(t, s.InsertState(ctx, st))

	require.NoError(t, s.QueueState(ctx, st.ID, 42))
	got, err := s.GetState(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStatusQueued, got.Status)
	require.NotNil(t, got.TimeoutAt)
	assert.Equal(t, int64(42), *got.TimeoutAt)

	assert.ErrorIs(t, s.QueueState(ctx, st.ID, 43), domain.ErrInvalidStateStatus)
	assert.ErrorIs(t, s.QueueState(ctx, uuid.New(), 1), domain.ErrStateNotFound)
}

func statusByID(t *testing.T, s *Store, ns, graph string) map[uuid.UUID]domain.Trigger {
	t.Helper()
	list, err := s.ListTriggers(testutil.TestContext(t), ns, graph)
	require.NoError(t, err)
	out := make(map[uuid.UUID]domain.Trigger, len(list))
	for _, tr := range list {
		out[tr.ID] = tr
	}
	return out
}
