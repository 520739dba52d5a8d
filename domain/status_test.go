package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskType(t *testing.T) {
	got, err := ParseTaskType(" Emergency ")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeEmergency, got)

	_, err = ParseTaskType("repair")
	assert.ErrorIs(t, err, ErrInvalidTaskType)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRequestStatusMapping(t *testing.T) {
	tests := []struct {
		taskType TaskType
		want     map[TaskStatus]RequestStatus
	}{
		{TaskTypeAppointment, map[TaskStatus]RequestStatus{
			TaskAssigned: StatusConfirmed, TaskInProgress: StatusInProgress, TaskCompleted: StatusCompleted, TaskCancelled: StatusCancelled,
		}},
		{TaskTypeEmergency, map[TaskStatus]RequestStatus{
			TaskAssigned: StatusAssigned, TaskInProgress: StatusInProgress, TaskCompleted: StatusResolved, TaskCancelled: StatusCancelled,
		}},
		{TaskTypeInquiry, map[TaskStatus]RequestStatus{
			TaskAssigned: StatusAssigned, TaskInProgress: StatusInProgress, TaskCompleted: StatusResolved, TaskCancelled: StatusCancelled,
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.taskType), func(t *testing.T) {
			for ts, rs := range tt.want {
				assert.Equal(t, rs, tt.taskType.RequestStatusFor(ts))
				back, ok := tt.taskType.TaskStatusOf(rs)
				assert.True(t, ok)
				assert.Equal(t, ts, back)
			}
			_, ok := tt.taskType.TaskStatusOf(tt.taskType.InitialStatus())
			assert.False(t, ok, "initial status has no mechanic-facing status")
		})
	}
}

func TestParseTaskStatusAliases(t *testing.T) {
	for in, want := range map[string]TaskStatus{
		"assigned":    TaskAssigned,
		"confirmed":   TaskAssigned,
		"In-Progress": TaskInProgress,
		"completed":   TaskCompleted,
		"resolved":    TaskCompleted,
		"cancelled":   TaskCancelled,
	} {
		got, err := ParseTaskStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTaskStatus("done")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCanTransitionTo(t *testing.T) {
	allowed := map[[2]TaskStatus]bool{
		{TaskAssigned, TaskInProgress}:  true,
		{TaskAssigned, TaskCompleted}:   true,
		{TaskAssigned, TaskCancelled}:   true,
		{TaskInProgress, TaskCompleted}: true,
		{TaskInProgress, TaskCancelled}: true,
	}
	for _, from := range TaskStatuses {
		for _, to := range TaskStatuses {
			assert.Equal(t, allowed[[2]TaskStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestComputedAvailability(t *testing.T) {
	assert.Equal(t, Busy, ComputedAvailability(Available, 1))
	assert.Equal(t, Available, ComputedAvailability(Busy, 0))
	assert.Equal(t, Offline, ComputedAvailability(Offline, 3))
}

func TestUrgencyRank(t *testing.T) {
	assert.Greater(t, UrgencyCritical.Rank(), UrgencyHigh.Rank())
	assert.Greater(t, UrgencyHigh.Rank(), UrgencyMedium.Rank())
	assert.Greater(t, UrgencyMedium.Rank(), UrgencyLow.Rank())
	assert.Greater(t, UrgencyLow.Rank(), Urgency("").Rank())
}

func TestErrorWrapping(t *testing.T) {
	err := Inconsistent("mechanic and task disagree", ErrAssignmentMissing)
	assert.Equal(t, KindConsistency, KindOf(err))
	assert.ErrorIs(t, err, ErrAssignmentMissing)
	assert.Equal(t, "mechanic and task disagree: assignment entry not found on mechanic", err.Error())
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}
