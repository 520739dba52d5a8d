package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"task-service/domain"
	"task-service/events"
	"task-service/metrics"

	"go.opentelemetry.io/otel/attribute"
)

type StatusInput struct {
	TaskID     string
	TaskType   string
	Status     string
	MechanicID string
	Notes      *string
}

// UpdateStatus moves a task along assigned -> in-progress -> completed (or
// cancelled) on behalf of its assigned mechanic. Repeating a terminal status
// is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, in StatusInput) (*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceUpdateStatus")
	defer span.End()

	taskType, err := domain.ParseTaskType(in.TaskType)
	if err != nil {
		return nil, err
	}
	target, err := domain.ParseTaskStatus(in.Status)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.TaskID) == "" {
		return nil, domain.Invalid("taskId is required")
	}
	span.SetAttributes(
		attribute.String("taskID", in.TaskID),
		attribute.String("taskType", string(taskType)),
		attribute.String("status", string(target)),
		attribute.String("mechanicID", in.MechanicID),
	)

	task, err := s.store.GetRequest(ctx, taskType, in.TaskID)
	if err != nil {
		fail(span, err, "Failed to find task")
		return nil, err
	}
	if in.MechanicID == "" || task.AssignedMechanic != in.MechanicID {
		s.logger.Warn("Status update by non-assigned mechanic", "taskID", task.ID, "mechanicID", in.MechanicID, "app", "task-service")
		return nil, domain.ErrNotAssignedToCaller
	}
	current, ok := task.TaskStatus()
	if !ok {
		return nil, illegalTransition(string(task.Status), target)
	}

	if current == target {
		if target.Terminal() {
			return task, nil
		}
		return s.refresh(ctx, task, in)
	}
	if !current.CanTransitionTo(target) {
		return nil, illegalTransition(string(current), target)
	}

	now := s.clock()
	next := taskType.RequestStatusFor(target)
	err = s.inTransaction(ctx, func(ctx context.Context) error {
		ok, err := s.store.TransitionRequest(ctx, taskType, task.ID, domain.Transition{
			MechanicID: in.MechanicID,
			From:       task.Status,
			To:         next,
			Notes:      in.Notes,
			At:         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		event, err := s.outboxEvent(events.TypeStatusChanged, task, in.MechanicID, string(next), string(task.Status), in.Notes, now)
		if err != nil {
			return err
		}
		if err := s.store.SaveOutboxEvent(ctx, event); err != nil {
			if s.store.SupportsTransactions() {
				return err
			}
			s.logger.Warn("Failed to save outbox event", "error", err, "taskID", task.ID, "app", "task-service")
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return s.resolveLostRace(ctx, taskType, task.ID, in.MechanicID, next)
	}
	if err != nil {
		fail(span, err, "Failed to update task status")
		s.logger.Error("Failed to update task status", "error", err, "taskID", task.ID, "app", "task-service")
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}
	metrics.StatusUpdates.WithLabelValues(string(taskType), string(target)).Inc()

	s.syncMechanic(ctx, in.MechanicID, task.ID, target)

	s.logger.Info("Updated task status",
		"taskID", task.ID,
		"taskType", taskType,
		"from", task.Status,
		"to", next,
		"mechanicID", in.MechanicID,
		"app", "task-service")

	updated, err := s.store.GetRequest(ctx, taskType, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task: %w", err)
	}
	return updated, nil
}

var errLostRace = errors.New("task changed between read and write")

func illegalTransition(from string, to domain.TaskStatus) error {
	return &domain.Error{
		Kind: domain.KindConflict,
		Msg:  fmt.Sprintf("cannot change status from %s to %s", from, to),
		Err:  domain.ErrIllegalTransition,
	}
}

// refresh rewrites notes and updatedAt without changing the status.
func (s *Service) refresh(ctx context.Context, task *domain.ServiceRequest, in StatusInput) (*domain.ServiceRequest, error) {
	ok, err := s.store.TransitionRequest(ctx, task.Type, task.ID, domain.Transition{
		MechanicID: in.MechanicID,
		From:       task.Status,
		To:         task.Status,
		Notes:      in.Notes,
		At:         s.clock(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return s.resolveLostRace(ctx, task.Type, task.ID, in.MechanicID, task.Status)
	}
	return s.store.GetRequest(ctx, task.Type, task.ID)
}

// resolveLostRace re-reads a task whose guarded write did not match. Reaching
// the wanted status anyway is success; anything else is a conflict.
func (s *Service) resolveLostRace(ctx context.Context, taskType domain.TaskType, taskID, mechanicID string, want domain.RequestStatus) (*domain.ServiceRequest, error) {
	fresh, err := s.store.GetRequest(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if fresh.AssignedMechanic != mechanicID {
		return nil, domain.ErrNotAssignedToCaller
	}
	if fresh.Status == want {
		return fresh, nil
	}
	return nil, &domain.Error{
		Kind: domain.KindConflict,
		Msg:  fmt.Sprintf("task status changed concurrently to %s", fresh.Status),
		Err:  domain.ErrIllegalTransition,
	}
}

// syncMechanic mirrors a task transition into the mechanic's index. The task
// record is already updated, so failures here are logged for the
// reconciliation sweep instead of being returned.
func (s *Service) syncMechanic(ctx context.Context, mechanicID, taskID string, status domain.TaskStatus) {
	now := s.clock()
	if err := s.store.SetAssignmentStatus(ctx, mechanicID, taskID, status, status == domain.TaskCompleted, now); err != nil {
		s.consistencyWarning("status", "Failed to update mechanic task entry", err, mechanicID, taskID)
	}
	if !status.Terminal() {
		return
	}

	active, err := s.store.CountActiveTasks(ctx, mechanicID)
	if err != nil {
		s.consistencyWarning("status", "Failed to count active tasks", err, mechanicID, taskID)
		return
	}
	if active > 0 {
		return
	}
	if _, err := s.store.SetAvailability(ctx, mechanicID, []domain.Availability{domain.Busy}, domain.Available, now); err != nil {
		s.consistencyWarning("status", "Failed to release mechanic", err, mechanicID, taskID)
	}
}

func (s *Service) consistencyWarning(source, msg string, err error, mechanicID, taskID string) {
	metrics.ConsistencyWarnings.WithLabelValues(source).Inc()
	s.logger.Warn(msg,
		"consistency", true,
		"error", err,
		"mechanicID", mechanicID,
		"taskID", taskID,
		"app", "task-service")
}
