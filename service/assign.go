package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"task-service/domain"
	"task-service/events"
	"task-service/lock"
	"task-service/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type AssignInput struct {
	MechanicID string `json:"mechanicId"`
	TaskID     string `json:"taskId"`
	TaskType   string `json:"taskType"`
}

// Assignment is the outcome of a successful Assign.
type Assignment struct {
	Mechanic *domain.Mechanic
	Task     *domain.ServiceRequest
}

// Assign binds a service request to an available mechanic. Both records are
// written in one transaction when the store supports it; otherwise the
// mechanic is written first and compensated if the task write fails.
func (s *Service) Assign(ctx context.Context, in AssignInput) (*Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceAssign")
	defer span.End()

	taskType, err := domain.ParseTaskType(in.TaskType)
	if err != nil {
		metrics.Assignments.WithLabelValues("rejected", "unknown").Inc()
		return nil, err
	}
	in.MechanicID = strings.TrimSpace(in.MechanicID)
	in.TaskID = strings.TrimSpace(in.TaskID)
	if in.MechanicID == "" || in.TaskID == "" {
		metrics.Assignments.WithLabelValues("rejected", string(taskType)).Inc()
		return nil, domain.Invalid("mechanicId, taskId and taskType are required")
	}
	span.SetAttributes(
		attribute.String("mechanicID", in.MechanicID),
		attribute.String("taskID", in.TaskID),
		attribute.String("taskType", string(taskType)),
	)

	release, err := s.locker.Acquire(ctx, "assign:"+string(taskType)+":"+in.TaskID, assignLockTTL)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		metrics.Assignments.WithLabelValues("rejected", string(taskType)).Inc()
		return nil, domain.ErrAssignmentInProgress
	case err != nil:
		// the conditional writes below still close the race
		s.logger.Warn("Assignment lock unavailable, continuing without it", "error", err, "taskID", in.TaskID, "app", "task-service")
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release assignment lock", "error", err, "taskID", in.TaskID, "app", "task-service")
			}
		}()
	}

	mechanic, task, err := s.checkAssignable(ctx, in.MechanicID, taskType, in.TaskID)
	if err != nil {
		fail(span, err, "Assignment precondition failed")
		s.logger.Info("Assignment rejected", "reason", err, "mechanicID", in.MechanicID, "taskID", in.TaskID, "app", "task-service")
		metrics.Assignments.WithLabelValues(resultLabel(err), string(taskType)).Inc()
		return nil, err
	}

	now := s.clock()
	entry := domain.AssignedTask{
		TaskID:     task.ID,
		TaskType:   taskType,
		AssignedAt: now,
		Status:     domain.TaskAssigned,
	}
	assigned := taskType.RequestStatusFor(domain.TaskAssigned)

	if s.store.SupportsTransactions() {
		err = s.store.WithTransaction(ctx, func(ctx context.Context) error {
			if err := s.store.PushAssignment(ctx, mechanic.ID, entry, now); err != nil {
				return err
			}
			ok, err := s.store.ClaimRequest(ctx, taskType, task.ID, mechanic.ID, assigned, now)
			if err != nil {
				return err
			}
			if !ok {
				return s.claimConflict(ctx, taskType, task.ID)
			}
			event, err := s.outboxEvent(events.TypeTaskAssigned, task, mechanic.ID, string(assigned), string(task.Status), nil, now)
			if err != nil {
				return err
			}
			return s.store.SaveOutboxEvent(ctx, event)
		})
	} else {
		err = s.assignWithCompensation(ctx, mechanic, task, entry, assigned)
	}
	if err != nil {
		fail(span, err, "Failed to assign task")
		s.logger.Warn("Failed to assign task", "error", err, "mechanicID", mechanic.ID, "taskID", task.ID, "app", "task-service")
		metrics.Assignments.WithLabelValues(resultLabel(err), string(taskType)).Inc()
		return nil, err
	}

	mechanic.AssignedTasks = append(mechanic.AssignedTasks, entry)
	mechanic.Availability = domain.Busy
	mechanic.UpdatedAt = now
	task.AssignedMechanic = mechanic.ID
	task.Status = assigned
	task.AssignedAt = &now
	task.UpdatedAt = now

	metrics.Assignments.WithLabelValues("assigned", string(taskType)).Inc()
	s.logger.Info("Assigned task",
		"mechanicID", mechanic.ID,
		"taskID", task.ID,
		"taskType", taskType,
		"status", assigned,
		"transactional", s.store.SupportsTransactions(),
		"app", "task-service")
	return &Assignment{Mechanic: mechanic, Task: task}, nil
}

// checkAssignable evaluates the preconditions in order so each failure has a
// distinct error.
func (s *Service) checkAssignable(ctx context.Context, mechanicID string, taskType domain.TaskType, taskID string) (*domain.Mechanic, *domain.ServiceRequest, error) {
	mechanic, err := s.store.GetMechanicByID(ctx, mechanicID)
	if err != nil {
		return nil, nil, err
	}
	if !mechanic.IsActive {
		return nil, nil, domain.ErrMechanicInactive
	}
	if mechanic.Availability != domain.Available {
		return nil, nil, domain.ErrMechanicUnavailable
	}
	if _, ok := mechanic.OpenAssignment(taskID); ok {
		return nil, nil, domain.ErrAlreadyAssignedToMechanic
	}

	task, err := s.store.GetRequest(ctx, taskType, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.AssignedMechanic != "" {
		return nil, nil, domain.ErrTaskAlreadyAssigned
	}
	if task.Status != taskType.InitialStatus() {
		return nil, nil, domain.ErrTaskClosed
	}
	return mechanic, task, nil
}

// claimConflict explains why a ClaimRequest guard did not match.
func (s *Service) claimConflict(ctx context.Context, taskType domain.TaskType, taskID string) error {
	task, err := s.store.GetRequest(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	if task.AssignedMechanic != "" {
		return domain.ErrTaskAlreadyAssigned
	}
	return domain.ErrTaskClosed
}

func (s *Service) assignWithCompensation(ctx context.Context, mechanic *domain.Mechanic, task *domain.ServiceRequest, entry domain.AssignedTask, assigned domain.RequestStatus) error {
	if err := s.store.PushAssignment(ctx, mechanic.ID, entry, entry.AssignedAt); err != nil {
		return err
	}

	ok, err := s.store.ClaimRequest(ctx, task.Type, task.ID, mechanic.ID, assigned, entry.AssignedAt)
	if err == nil && ok {
		event, encErr := s.outboxEvent(events.TypeTaskAssigned, task, mechanic.ID, string(assigned), string(task.Status), nil, entry.AssignedAt)
		s.emit(ctx, event, encErr)
		return nil
	}

	cause := err
	if cause == nil {
		cause = s.claimConflict(ctx, task.Type, task.ID)
	}
	if cerr := s.compensate(ctx, mechanic.ID, task, cause); cerr != nil {
		return cerr
	}
	if domain.KindOf(cause) == "" {
		return fmt.Errorf("failed to update task: %w", cause)
	}
	return cause
}

// compensate pulls the entry pushed by a half-applied assignment and records
// the outcome. A failure leaves the records divergent and is surfaced as a
// consistency error.
func (s *Service) compensate(ctx context.Context, mechanicID string, task *domain.ServiceRequest, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := s.clock()
	record := &domain.Compensation{
		ID:         uuid.NewString(),
		MechanicID: mechanicID,
		TaskID:     task.ID,
		TaskType:   task.Type,
		Reason:     cause.Error(),
		State:      domain.CompensationPending,
		CreatedAt:  now,
	}
	if err := s.store.SaveCompensation(ctx, record); err != nil {
		s.logger.Warn("Failed to record compensation", "error", err, "taskID", task.ID, "app", "task-service")
	}

	if err := s.store.PullAssignment(ctx, mechanicID, task.ID, s.clock()); err != nil {
		metrics.Compensations.WithLabelValues("failed").Inc()
		metrics.ConsistencyWarnings.WithLabelValues("assign").Inc()
		if rerr := s.store.ResolveCompensation(ctx, record.ID, domain.CompensationFailed, err.Error(), s.clock()); rerr != nil {
			s.logger.Warn("Failed to resolve compensation", "error", rerr, "compensationID", record.ID, "app", "task-service")
		}
		s.logger.Error("Compensation failed, mechanic and task records diverge",
			"consistency", true,
			"compensationID", record.ID,
			"mechanicID", mechanicID,
			"taskID", task.ID,
			"taskType", task.Type,
			"cause", cause,
			"error", err,
			"app", "task-service")
		return domain.Inconsistent("failed to undo mechanic assignment after task update failed", err)
	}

	metrics.Compensations.WithLabelValues("applied").Inc()
	if err := s.store.ResolveCompensation(ctx, record.ID, domain.CompensationApplied, "", s.clock()); err != nil {
		s.logger.Warn("Failed to resolve compensation", "error", err, "compensationID", record.ID, "app", "task-service")
	}
	event, encErr := s.outboxEvent(events.TypeCompensated, task, mechanicID, string(task.Status), "", strPtr(cause.Error()), now)
	s.emit(ctx, event, encErr)
	s.logger.Warn("Compensated half-applied assignment", "compensationID", record.ID, "mechanicID", mechanicID, "taskID", task.ID, "cause", cause, "app", "task-service")
	return nil
}

// ListCompensations returns compensation records, optionally filtered by state.
func (s *Service) ListCompensations(ctx context.Context, state string) ([]*domain.Compensation, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListCompensations")
	defer span.End()

	st := domain.CompensationState(strings.ToLower(state))
	switch st {
	case "", domain.CompensationPending, domain.CompensationApplied, domain.CompensationFailed:
	default:
		return nil, domain.Invalid("unknown compensation state %q", state)
	}
	out, err := s.store.ListCompensations(ctx, st)
	if err != nil {
		fail(span, err, "Failed to list compensations")
		return nil, fmt.Errorf("failed to list compensations: %w", err)
	}
	return out, nil
}

func resultLabel(err error) string {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindNotFound, domain.KindConflict:
		return "rejected"
	case domain.KindConsistency:
		return "inconsistent"
	}
	return "error"
}
