package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"task-service/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateMechanic(ctx, &domain.Mechanic{
		ID: "m1", MechanicID: "MECH-1", Email: "m1@roadride.test",
		Availability: domain.Available, IsActive: true,
	}))
	require.NoError(t, s.CreateRequest(ctx, &domain.ServiceRequest{
		ID: "t1", Type: domain.TaskTypeAppointment, Status: domain.StatusPending,
	}))
	return s
}

func TestTransactionRollsBack(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		entry := domain.AssignedTask{TaskID: "t1", TaskType: domain.TaskTypeAppointment, AssignedAt: now, Status: domain.TaskAssigned}
		require.NoError(t, s.PushAssignment(ctx, "m1", entry, now))
		ok, err := s.ClaimRequest(ctx, domain.TaskTypeAppointment, "t1", "m1", domain.StatusConfirmed, now)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, m.AssignedTasks)
	assert.Equal(t, domain.Available, m.Availability)
	r, err := s.GetRequest(ctx, domain.TaskTypeAppointment, "t1")
	require.NoError(t, err)
	assert.Empty(t, r.AssignedMechanic)
	assert.Equal(t, domain.StatusPending, r.Status)
}

func TestTransactionsCanBeDisabled(t *testing.T) {
	s := seed(t)
	s.SetTransactions(false)
	assert.False(t, s.SupportsTransactions())
	err := s.WithTransaction(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrTransactionsUnsupported)
}

func TestClaimRequestIsConditional(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	ok, err := s.ClaimRequest(ctx, domain.TaskTypeAppointment, "t1", "m1", domain.StatusConfirmed, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimRequest(ctx, domain.TaskTypeAppointment, "t1", "m2", domain.StatusConfirmed, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimRequest(ctx, domain.TaskType("repair"), "t1", "m1", domain.StatusConfirmed, now)
	assert.ErrorIs(t, err, domain.ErrInvalidTaskType)
}

func TestPushAssignmentRequiresAvailableMechanic(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	entry := domain.AssignedTask{TaskID: "t1", TaskType: domain.TaskTypeAppointment, AssignedAt: now, Status: domain.TaskAssigned}

	require.NoError(t, s.PushAssignment(ctx, "m1", entry, now))
	assert.ErrorIs(t, s.PushAssignment(ctx, "m1", entry, now), domain.ErrMechanicUnavailable)
	assert.ErrorIs(t, s.PushAssignment(ctx, "nobody", entry, now), domain.ErrMechanicUnavailable)

	// pulling only removes entries that are still in the assigned state
	require.NoError(t, s.PullAssignment(ctx, "m1", "t1", now))
	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, m.AssignedTasks)
	assert.Equal(t, domain.Available, m.Availability)
}

func TestReplaceAssignmentsComparesVersion(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)

	_, err = s.SetAvailability(ctx, "m1", []domain.Availability{domain.Available}, domain.Offline, now)
	require.NoError(t, err)

	ok, err := s.ReplaceAssignments(ctx, "m1", m.Version, domain.TaskIndex{Availability: domain.Available}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	ok, err = s.ReplaceAssignments(ctx, "m1", fresh.Version, domain.TaskIndex{Availability: domain.Available, CompletedTasks: 2}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.Available, got.Availability)
	assert.Equal(t, 2, got.CompletedTasks)
}

func TestSwapAvailabilityComparesVersion(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)

	entry := domain.AssignedTask{TaskID: "t1", TaskType: domain.TaskTypeAppointment, AssignedAt: now, Status: domain.TaskAssigned}
	require.NoError(t, s.PushAssignment(ctx, "m1", entry, now))

	ok, err := s.SwapAvailability(ctx, "m1", m.Version, domain.Available, now)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.Busy, fresh.Availability)
	ok, err = s.SwapAvailability(ctx, "m1", fresh.Version, domain.Offline, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapAvailability(ctx, "nobody", 0, domain.Offline, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompletionIsCountedOnce(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	entry := domain.AssignedTask{TaskID: "t1", TaskType: domain.TaskTypeAppointment, AssignedAt: now, Status: domain.TaskAssigned}
	require.NoError(t, s.PushAssignment(ctx, "m1", entry, now))

	require.NoError(t, s.SetAssignmentStatus(ctx, "m1", "t1", domain.TaskCompleted, true, now))
	require.NoError(t, s.SetAssignmentStatus(ctx, "m1", "t1", domain.TaskCompleted, true, now))

	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.CompletedTasks)
	assert.Equal(t, domain.TaskCompleted, m.AssignedTasks[0].Status)
}

func TestReadsReturnCopies(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	m, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	m.Availability = domain.Offline
	m.AssignedTasks = append(m.AssignedTasks, domain.AssignedTask{TaskID: "x"})

	again, err := s.GetMechanicByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.Available, again.Availability)
	assert.Empty(t, again.AssignedTasks)
}

func TestWatchDeliversAfterCommitOnly(t *testing.T) {
	s := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := s.WatchTasks(ctx, "m1")
	require.NoError(t, err)

	_ = s.WithTransaction(context.Background(), func(ctx context.Context) error {
		_, err := s.ClaimRequest(ctx, domain.TaskTypeAppointment, "t1", "m1", domain.StatusConfirmed, now)
		require.NoError(t, err)
		return errors.New("abort")
	})
	select {
	case c := <-changes:
		t.Fatalf("unexpected change from aborted transaction: %+v", c)
	default:
	}

	err = s.WithTransaction(context.Background(), func(ctx context.Context) error {
		_, err := s.ClaimRequest(ctx, domain.TaskTypeAppointment, "t1", "m1", domain.StatusConfirmed, now)
		return err
	})
	require.NoError(t, err)
	select {
	case c := <-changes:
		assert.Equal(t, "t1", c.Task.ID)
		assert.Equal(t, domain.StatusConfirmed, c.Task.Status)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	_, open := <-changes
	assert.False(t, open)
}

func TestCountsAndOutbox(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, &domain.ServiceRequest{
		ID: "e1", Type: domain.TaskTypeEmergency, Status: domain.StatusInProgress, AssignedMechanic: "m1",
	}))

	active, err := s.CountActiveTasks(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)

	byStatus, err := s.CountByStatus(ctx, domain.TaskTypeAppointment, "")
	require.NoError(t, err)
	assert.Equal(t, map[domain.RequestStatus]int64{domain.StatusPending: 1}, byStatus)

	require.NoError(t, s.SaveOutboxEvent(ctx, &domain.OutboxEvent{ID: "ev1", CreatedAt: now}))
	require.NoError(t, s.SaveOutboxEvent(ctx, &domain.OutboxEvent{ID: "ev2", CreatedAt: now}))
	require.NoError(t, s.MarkOutboxEventProcessed(ctx, "ev1"))
	pending, err := s.GetUnprocessedOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev2", pending[0].ID)
}
