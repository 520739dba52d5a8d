package service

import (
	"context"
	"sync"
	"testing"

	"task-service/domain"
	"task-service/domain/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Completing the only task returns the mechanic to available.
func TestCompleteReleasesMechanic(t *testing.T) {
	eachMode(t, func(t *testing.T, tx bool) {
		f := newFixture(t, tx)
		f.mechanic("m1", domain.Available)
		f.request(domain.TaskTypeAppointment, "t1")
		f.assign("m1", domain.TaskTypeAppointment, "t1")

		task, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, task.Status)
		assert.NotNil(t, task.CompletedAt)

		m := f.getMechanic("m1")
		assert.Equal(t, 1, m.CompletedTasks)
		assert.Equal(t, domain.Available, m.Availability)
		assert.Equal(t, domain.TaskCompleted, m.AssignedTasks[0].Status)
	})
}

func TestFullLifecycleEmergency(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeEmergency, "e1")
	f.assign("m1", domain.TaskTypeEmergency, "e1")

	notes := "on my way"
	task, err := f.svc.UpdateStatus(context.Background(), StatusInput{
		TaskID: "e1", TaskType: "emergency", Status: "in-progress", MechanicID: "m1", Notes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, "on my way", task.MechanicNotes)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, domain.Busy, f.getMechanic("m1").Availability)

	task, err = f.setStatus("m1", domain.TaskTypeEmergency, "e1", "resolved")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, task.Status)
	assert.Equal(t, domain.Available, f.getMechanic("m1").Availability)

	events, err := f.store.GetUnprocessedOutboxEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

// A mechanic other than the assignee is forbidden and the task is unchanged.
func TestUpdateStatusByOtherMechanic(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.mechanic("m2", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	_, err := f.setStatus("m2", domain.TaskTypeAppointment, "t1", "in-progress")
	assert.ErrorIs(t, err, domain.ErrNotAssignedToCaller)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
	assert.Equal(t, domain.StatusConfirmed, f.getRequest(domain.TaskTypeAppointment, "t1").Status)
}

func TestUpdateStatusUnassignedTask(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeInquiry, "q1")

	_, err := f.setStatus("m1", domain.TaskTypeInquiry, "q1", "in-progress")
	assert.ErrorIs(t, err, domain.ErrNotAssignedToCaller)
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	_, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
	require.NoError(t, err)
	task, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.getMechanic("m1").CompletedTasks)
}

func TestConcurrentCompletionCountsOnce(t *testing.T) {
	f := newFixture(t, false)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.getMechanic("m1").CompletedTasks)
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
		next  string
	}{
		{name: "completed to in-progress", steps: []string{"completed"}, next: "in-progress"},
		{name: "in-progress to assigned", steps: []string{"in-progress"}, next: "assigned"},
		{name: "cancelled to completed", steps: []string{"cancelled"}, next: "completed"},
		{name: "completed to cancelled", steps: []string{"completed"}, next: "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.mechanic("m1", domain.Available)
			f.request(domain.TaskTypeAppointment, "t1")
			f.assign("m1", domain.TaskTypeAppointment, "t1")
			for _, s := range tt.steps {
				_, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", s)
				require.NoError(t, err)
			}
			before := f.getRequest(domain.TaskTypeAppointment, "t1")

			_, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", tt.next)
			assert.ErrorIs(t, err, domain.ErrIllegalTransition)
			assert.Equal(t, domain.KindConflict, domain.KindOf(err))
			assert.Equal(t, before, f.getRequest(domain.TaskTypeAppointment, "t1"))
		})
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	_, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "finished")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.svc.UpdateStatus(context.Background(), StatusInput{TaskID: "t1", TaskType: "repair", Status: "completed", MechanicID: "m1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTaskType)

	_, err = f.setStatus("m1", domain.TaskTypeAppointment, "missing", "completed")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRepeatingActiveStatusRefreshesNotes(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")
	first, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "in-progress")
	require.NoError(t, err)

	notes := "waiting for parts"
	task, err := f.svc.UpdateStatus(context.Background(), StatusInput{
		TaskID: "t1", TaskType: "appointment", Status: "in-progress", MechanicID: "m1", Notes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, "waiting for parts", task.MechanicNotes)
	assert.True(t, task.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, first.StartedAt, task.StartedAt)
}

func TestCancelKeepsMechanicBusyWithOtherWork(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.request(domain.TaskTypeInquiry, "q1", func(r *domain.ServiceRequest) {
		r.AssignedMechanic = "m1"
		r.Status = domain.StatusInProgress
	})
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	_, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "cancelled")
	require.NoError(t, err)

	m := f.getMechanic("m1")
	assert.Equal(t, domain.Busy, m.Availability)
	assert.Equal(t, 0, m.CompletedTasks)
}

func TestOfflineMechanicStaysOfflineAfterCompletion(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")
	_, err := f.svc.SetAvailability(context.Background(), "m1", "offline")
	require.NoError(t, err)

	_, err = f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
	require.NoError(t, err)
	assert.Equal(t, domain.Offline, f.getMechanic("m1").Availability)
}

// The task record wins when the mechanic-side write fails.
func TestMechanicSideFailureStillSucceeds(t *testing.T) {
	mem := memstore.New()
	store := &faultyStore{Store: mem}
	f := newFixtureWithStore(t, mem, store)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	store.assignmentErr = errStoreDown
	task, err := f.setStatus("m1", domain.TaskTypeAppointment, "t1", "completed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)

	m := f.getMechanic("m1")
	assert.Equal(t, domain.TaskAssigned, m.AssignedTasks[0].Status)
	assert.Equal(t, 0, m.CompletedTasks)
	// availability is recomputed from the requests, not the stale entry
	assert.Equal(t, domain.Available, m.Availability)

	store.assignmentErr = nil
	report, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	repaired := f.getMechanic("m1")
	assert.Equal(t, domain.TaskCompleted, repaired.AssignedTasks[0].Status)
	assert.Equal(t, 1, repaired.CompletedTasks)
}
