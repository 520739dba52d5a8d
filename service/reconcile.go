package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"task-service/domain"
	"task-service/metrics"

	"go.opentelemetry.io/otel/attribute"
)

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Mechanics int `json:"mechanics"`
	Repaired  int `json:"repaired"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Reconcile rebuilds every mechanic's assignedTasks and availability from the
// service requests that reference the mechanic. Writes are compare-and-swap on
// the mechanic version, so a mechanic changed mid-sweep is skipped until the
// next run.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceReconcile")
	defer span.End()
	started := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(started).Seconds()) }()

	mechanics, err := s.store.ListMechanics(ctx)
	if err != nil {
		fail(span, err, "Failed to list mechanics")
		return nil, fmt.Errorf("failed to list mechanics: %w", err)
	}

	report := &ReconcileReport{Mechanics: len(mechanics)}
	for _, m := range mechanics {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		repaired, swapped, err := s.reconcileMechanic(ctx, m)
		switch {
		case err != nil:
			report.Failed++
			s.logger.Error("Failed to reconcile mechanic", "error", err, "mechanicID", m.ID, "app", "task-service")
		case repaired && !swapped:
			report.Skipped++
		case repaired:
			report.Repaired++
		}
	}
	span.SetAttributes(
		attribute.Int("mechanics", report.Mechanics),
		attribute.Int("repaired", report.Repaired),
		attribute.Int("skipped", report.Skipped),
	)
	s.logger.Info("Reconciliation sweep finished",
		"mechanics", report.Mechanics,
		"repaired", report.Repaired,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"app", "task-service")
	return report, nil
}

// reconcileMechanic reports whether m needed a repair and whether the repair
// was written.
func (s *Service) reconcileMechanic(ctx context.Context, m *domain.Mechanic) (bool, bool, error) {
	byID := make(map[string]*domain.ServiceRequest)
	for _, t := range domain.TaskTypes {
		reqs, err := s.store.ListRequestsByMechanic(ctx, t, m.ID)
		if err != nil {
			return false, false, err
		}
		for _, r := range reqs {
			byID[r.ID] = r
		}
	}
	claiming, err := s.pendingClaims(ctx, m.AssignedTasks, byID)
	if err != nil {
		return false, false, err
	}

	tasks := rebuildAssignments(m.AssignedTasks, byID, claiming)
	active := int64(0)
	completed := 0
	for _, t := range tasks {
		if t.Status.Active() {
			active++
		}
		if t.Status == domain.TaskCompleted {
			completed++
		}
	}
	availability := domain.ComputedAvailability(m.Availability, active)

	if availability == m.Availability && completed == m.CompletedTasks && sameAssignments(tasks, m.AssignedTasks) {
		return false, false, nil
	}
	ok, err := s.store.ReplaceAssignments(ctx, m.ID, m.Version, domain.TaskIndex{
		AssignedTasks:  tasks,
		Availability:   availability,
		CompletedTasks: completed,
	}, s.clock())
	if err != nil {
		return true, false, err
	}
	if !ok {
		s.logger.Info("Mechanic changed during reconciliation, skipping", "mechanicID", m.ID, "app", "task-service")
		return true, false, nil
	}
	metrics.ReconcileRepairs.Inc()
	s.logger.Warn("Repaired mechanic task index",
		"consistency", true,
		"mechanicID", m.ID,
		"entriesBefore", len(m.AssignedTasks),
		"entriesAfter", len(tasks),
		"availabilityBefore", m.Availability,
		"availabilityAfter", availability,
		"completedBefore", m.CompletedTasks,
		"completedAfter", completed,
		"app", "task-service")
	return true, true, nil
}

// pendingClaims finds fresh assigned entries whose task does not reference the
// mechanic yet but is still open. Without transactions the entry is pushed
// before the task is claimed, so these belong to an assignment in flight.
func (s *Service) pendingClaims(ctx context.Context, existing []domain.AssignedTask, byID map[string]*domain.ServiceRequest) (map[string]bool, error) {
	claiming := make(map[string]bool)
	now := s.clock()
	for _, e := range existing {
		if _, ok := byID[e.TaskID]; ok || e.Status != domain.TaskAssigned || now.Sub(e.AssignedAt) >= claimGrace {
			continue
		}
		r, err := s.store.GetRequest(ctx, e.TaskType, e.TaskID)
		switch {
		case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrInvalidTaskType):
			continue
		case err != nil:
			return nil, err
		}
		if r.AssignedMechanic == "" && r.Status == e.TaskType.InitialStatus() {
			claiming[e.TaskID] = true
		}
	}
	return claiming, nil
}

// rebuildAssignments keeps entries whose task still references the mechanic,
// with the status taken from the task, and appends entries for referencing
// tasks that have none. Entries in claiming are kept as they are.
func rebuildAssignments(existing []domain.AssignedTask, byID map[string]*domain.ServiceRequest, claiming map[string]bool) []domain.AssignedTask {
	out := make([]domain.AssignedTask, 0, len(byID))
	seen := make(map[string]bool, len(byID))
	for _, e := range existing {
		if seen[e.TaskID] {
			continue
		}
		r, ok := byID[e.TaskID]
		if !ok {
			if claiming[e.TaskID] {
				seen[e.TaskID] = true
				out = append(out, e)
			}
			continue
		}
		if r.Type != e.TaskType {
			continue
		}
		status, ok := r.TaskStatus()
		if !ok {
			continue
		}
		seen[e.TaskID] = true
		e.Status = status
		out = append(out, e)
	}

	var missing []domain.AssignedTask
	for id, r := range byID {
		if seen[id] {
			continue
		}
		status, ok := r.TaskStatus()
		if !ok {
			continue
		}
		at := r.CreatedAt
		if r.AssignedAt != nil {
			at = *r.AssignedAt
		}
		missing = append(missing, domain.AssignedTask{TaskID: id, TaskType: r.Type, AssignedAt: at, Status: status})
	}
	sort.Slice(missing, func(i, j int) bool {
		if !missing[i].AssignedAt.Equal(missing[j].AssignedAt) {
			return missing[i].AssignedAt.Before(missing[j].AssignedAt)
		}
		return missing[i].TaskID < missing[j].TaskID
	})
	return append(out, missing...)
}

func sameAssignments(a, b []domain.AssignedTask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].TaskID != b[i].TaskID || a[i].TaskType != b[i].TaskType ||
			a[i].Status != b[i].Status || !a[i].AssignedAt.Equal(b[i].AssignedAt) {
			return false
		}
	}
	return true
}

// Reconciler runs Reconcile on a fixed interval.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{svc: svc, interval: interval, logger: logger}
}

// Start blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Starting reconciler", "interval", r.interval, "app", "task-service")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconciler", "app", "task-service")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.svc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation sweep failed", "error", err, "app", "task-service")
			}
		}
	}
}
