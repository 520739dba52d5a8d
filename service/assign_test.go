package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"task-service/domain"
	"task-service/domain/memstore"
	"task-service/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eachMode(t *testing.T, fn func(t *testing.T, transactions bool)) {
	t.Run("transactional", func(t *testing.T) { fn(t, true) })
	t.Run("compensating", func(t *testing.T) { fn(t, false) })
}

func TestAssignAvailableMechanic(t *testing.T) {
	eachMode(t, func(t *testing.T, tx bool) {
		f := newFixture(t, tx)
		f.mechanic("m1", domain.Available)
		f.request(domain.TaskTypeAppointment, "t1")

		res, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusConfirmed, res.Task.Status)
		assert.Equal(t, domain.Busy, res.Mechanic.Availability)

		m := f.getMechanic("m1")
		assert.Equal(t, domain.Busy, m.Availability)
		require.Len(t, m.AssignedTasks, 1)
		assert.Equal(t, domain.AssignedTask{
			TaskID:     "t1",
			TaskType:   domain.TaskTypeAppointment,
			AssignedAt: m.AssignedTasks[0].AssignedAt,
			Status:     domain.TaskAssigned,
		}, m.AssignedTasks[0])

		task := f.getRequest(domain.TaskTypeAppointment, "t1")
		assert.Equal(t, "m1", task.AssignedMechanic)
		assert.Equal(t, domain.StatusConfirmed, task.Status)
		require.NotNil(t, task.AssignedAt)

		events, err := f.store.GetUnprocessedOutboxEvents(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "TaskAssigned", events[0].EventType)
		assert.Equal(t, "t1", events[0].Key)
	})
}

func TestAssignUsesVariantAssignedStatus(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.mechanic("m2", domain.Available)
	f.request(domain.TaskTypeEmergency, "e1", func(r *domain.ServiceRequest) { r.Urgency = domain.UrgencyCritical })
	f.request(domain.TaskTypeInquiry, "q1")

	f.assign("m1", domain.TaskTypeEmergency, "e1")
	f.assign("m2", domain.TaskTypeInquiry, "q1")

	assert.Equal(t, domain.StatusAssigned, f.getRequest(domain.TaskTypeEmergency, "e1").Status)
	assert.Equal(t, domain.StatusAssigned, f.getRequest(domain.TaskTypeInquiry, "q1").Status)
}

func TestAssignPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		input AssignInput
		want  error
		kind  domain.Kind
	}{
		{
			name:  "unknown task type",
			input: AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "repair"},
			want:  domain.ErrInvalidTaskType,
			kind:  domain.KindValidation,
		},
		{
			name:  "missing ids",
			input: AssignInput{TaskType: "appointment"},
			kind:  domain.KindValidation,
		},
		{
			name:  "mechanic not found",
			setup: func(f *fixture) { f.request(domain.TaskTypeAppointment, "t1") },
			input: AssignInput{MechanicID: "ghost", TaskID: "t1", TaskType: "appointment"},
			want:  domain.ErrMechanicNotFound,
			kind:  domain.KindNotFound,
		},
		{
			name: "mechanic deactivated",
			setup: func(f *fixture) {
				f.mechanic("m1", domain.Available)
				require.NoError(f.t, f.store.DeactivateMechanic(context.Background(), "m1", testNow))
				f.request(domain.TaskTypeAppointment, "t1")
			},
			input: AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"},
			want:  domain.ErrMechanicInactive,
			kind:  domain.KindConflict,
		},
		{
			name: "mechanic offline",
			setup: func(f *fixture) {
				f.mechanic("m1", domain.Offline)
				f.request(domain.TaskTypeAppointment, "t1")
			},
			input: AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"},
			want:  domain.ErrMechanicUnavailable,
			kind:  domain.KindConflict,
		},
		{
			name:  "task not found",
			setup: func(f *fixture) { f.mechanic("m1", domain.Available) },
			input: AssignInput{MechanicID: "m1", TaskID: "nope", TaskType: "emergency"},
			want:  domain.ErrTaskNotFound,
			kind:  domain.KindNotFound,
		},
		{
			name: "task cancelled before assignment",
			setup: func(f *fixture) {
				f.mechanic("m1", domain.Available)
				f.request(domain.TaskTypeAppointment, "t1", func(r *domain.ServiceRequest) { r.Status = domain.StatusCancelled })
			},
			input: AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"},
			want:  domain.ErrTaskClosed,
			kind:  domain.KindConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.svc.Assign(context.Background(), tt.input)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

// An already-assigned task is rejected and the second mechanic is untouched.
func TestAssignAlreadyAssignedTask(t *testing.T) {
	eachMode(t, func(t *testing.T, tx bool) {
		f := newFixture(t, tx)
		f.mechanic("m1", domain.Available)
		f.mechanic("m2", domain.Available)
		f.request(domain.TaskTypeAppointment, "t1")
		f.assign("m1", domain.TaskTypeAppointment, "t1")
		before := f.getMechanic("m2")

		_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m2", TaskID: "t1", TaskType: "appointment"})
		assert.ErrorIs(t, err, domain.ErrTaskAlreadyAssigned)

		assert.Equal(t, before, f.getMechanic("m2"))
		assert.Equal(t, "m1", f.getRequest(domain.TaskTypeAppointment, "t1").AssignedMechanic)
	})
}

// A busy mechanic cannot take a second task and nothing is written.
func TestAssignBusyMechanic(t *testing.T) {
	f := newFixture(t, true)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	f.request(domain.TaskTypeAppointment, "t2")
	f.assign("m1", domain.TaskTypeAppointment, "t1")

	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t2", TaskType: "appointment"})
	assert.ErrorIs(t, err, domain.ErrMechanicUnavailable)
	assert.Len(t, f.getMechanic("m1").AssignedTasks, 1)
	task := f.getRequest(domain.TaskTypeAppointment, "t2")
	assert.Empty(t, task.AssignedMechanic)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestAssignOpenEntryOnMechanic(t *testing.T) {
	f := newFixture(t, true)
	m := f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")
	m.AssignedTasks = []domain.AssignedTask{{TaskID: "t1", TaskType: domain.TaskTypeAppointment, Status: domain.TaskCancelled}}
	ok, err := f.store.ReplaceAssignments(context.Background(), "m1", 0, domain.TaskIndex{AssignedTasks: m.AssignedTasks, Availability: domain.Available}, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
	assert.ErrorIs(t, err, domain.ErrAlreadyAssignedToMechanic)
}

func TestConcurrentAssignExactlyOneWins(t *testing.T) {
	eachMode(t, func(t *testing.T, tx bool) {
		f := newFixture(t, tx)
		const n = 8
		for i := range n {
			f.mechanic(string(rune('a'+i)), domain.Available)
		}
		f.request(domain.TaskTypeEmergency, "e1")

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.svc.Assign(context.Background(), AssignInput{
					MechanicID: string(rune('a' + i)),
					TaskID:     "e1",
					TaskType:   "emergency",
				})
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.Equal(t, domain.KindConflict, domain.KindOf(err), err.Error())
		}
		assert.Equal(t, 1, wins)

		task := f.getRequest(domain.TaskTypeEmergency, "e1")
		holders := 0
		for i := range n {
			m := f.getMechanic(string(rune('a' + i)))
			if len(m.AssignedTasks) > 0 {
				holders++
				assert.Equal(t, m.ID, task.AssignedMechanic)
				assert.Equal(t, domain.Busy, m.Availability)
			} else {
				assert.Equal(t, domain.Available, m.Availability)
			}
		}
		assert.Equal(t, 1, holders)
	})
}

func TestAssignCompensatesFailedTaskWrite(t *testing.T) {
	mem := memstore.New()
	mem.SetTransactions(false)
	store := &faultyStore{Store: mem, claimErr: errStoreDown}
	f := newFixtureWithStore(t, mem, store)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")

	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, domain.Kind(""), domain.KindOf(err))

	m := f.getMechanic("m1")
	assert.Empty(t, m.AssignedTasks)
	assert.Equal(t, domain.Available, m.Availability)

	records, err := mem.ListCompensations(context.Background(), domain.CompensationApplied)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TaskID)
}

func TestAssignCompensationFailureIsInconsistent(t *testing.T) {
	mem := memstore.New()
	mem.SetTransactions(false)
	store := &faultyStore{Store: mem, claimErr: errStoreDown, pullErr: errors.New("primary stepped down")}
	f := newFixtureWithStore(t, mem, store)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")

	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
	require.Error(t, err)
	assert.Equal(t, domain.KindConsistency, domain.KindOf(err))

	records, err := f.svc.ListCompensations(context.Background(), "failed")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "primary stepped down", records[0].Error)
}

func TestAssignTransactionRollsBackMechanicWrite(t *testing.T) {
	mem := memstore.New()
	store := &faultyStore{Store: mem, claimErr: errStoreDown}
	f := newFixtureWithStore(t, mem, store)
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")

	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
	require.ErrorIs(t, err, errStoreDown)

	m := f.getMechanic("m1")
	assert.Empty(t, m.AssignedTasks)
	assert.Equal(t, domain.Available, m.Availability)
	events, err := mem.GetUnprocessedOutboxEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return nil, lock.ErrNotAcquired
}

func TestAssignRejectsWhileLockHeld(t *testing.T) {
	f := newFixture(t, true, WithLocker(heldLocker{}))
	f.mechanic("m1", domain.Available)
	f.request(domain.TaskTypeAppointment, "t1")

	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: "m1", TaskID: "t1", TaskType: "appointment"})
	assert.ErrorIs(t, err, domain.ErrAssignmentInProgress)
	assert.Equal(t, domain.Available, f.getMechanic("m1").Availability)
}
