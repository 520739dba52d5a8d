package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"task-service/domain"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type MechanicStats struct {
	TotalAssigned  int64               `json:"totalAssigned"`
	Completed      int64               `json:"completed"`
	InProgress     int64               `json:"inProgress"`
	Pending        int64               `json:"pending"`
	Cancelled      int64               `json:"cancelled"`
	Rating         float64             `json:"rating"`
	CompletedTasks int                 `json:"completedTasks"`
	Availability   domain.Availability `json:"availability"`
}

// MechanicStats counts the mechanic's tasks from the service-request
// collections. The embedded assignedTasks index is not consulted.
func (s *Service) MechanicStats(ctx context.Context, mechanicID string) (*MechanicStats, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceMechanicStats")
	defer span.End()
	span.SetAttributes(attribute.String("mechanicID", mechanicID))

	mechanic, err := s.store.GetMechanicByID(ctx, mechanicID)
	if err != nil {
		fail(span, err, "Failed to find mechanic")
		return nil, err
	}
	counts, err := s.countByStatus(ctx, mechanicID)
	if err != nil {
		fail(span, err, "Failed to count tasks")
		return nil, err
	}

	stats := &MechanicStats{
		Rating:         mechanic.Rating,
		CompletedTasks: mechanic.CompletedTasks,
		Availability:   mechanic.Availability,
	}
	for taskType, byStatus := range counts {
		for rs, n := range byStatus {
			ts, ok := taskType.TaskStatusOf(rs)
			if !ok {
				continue
			}
			stats.TotalAssigned += n
			switch ts {
			case domain.TaskAssigned:
				stats.Pending += n
			case domain.TaskInProgress:
				stats.InProgress += n
			case domain.TaskCompleted:
				stats.Completed += n
			case domain.TaskCancelled:
				stats.Cancelled += n
			}
		}
	}
	return stats, nil
}

type AdminStats struct {
	Requests  map[domain.TaskType]map[domain.RequestStatus]int64 `json:"requests"`
	Mechanics map[domain.Availability]int64                      `json:"mechanics"`
	Totals    map[domain.TaskType]int64                          `json:"totals"`
}

// AdminStats returns per-variant status counts over all requests and active
// mechanics grouped by availability.
func (s *Service) AdminStats(ctx context.Context) (*AdminStats, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceAdminStats")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	var mechanics map[domain.Availability]int64
	g.Go(func() error {
		var err error
		mechanics, err = s.store.CountMechanicsByAvailability(gctx)
		return err
	})
	var requests map[domain.TaskType]map[domain.RequestStatus]int64
	g.Go(func() error {
		var err error
		requests, err = s.countByStatus(gctx, "")
		return err
	})
	if err := g.Wait(); err != nil {
		fail(span, err, "Failed to aggregate admin stats")
		return nil, fmt.Errorf("failed to aggregate admin stats: %w", err)
	}

	stats := &AdminStats{
		Requests:  requests,
		Mechanics: make(map[domain.Availability]int64),
		Totals:    make(map[domain.TaskType]int64, len(requests)),
	}
	for _, a := range []domain.Availability{domain.Available, domain.Busy, domain.Offline} {
		stats.Mechanics[a] = mechanics[a]
	}
	for t, byStatus := range requests {
		for _, st := range t.Statuses() {
			if _, ok := byStatus[st]; !ok {
				byStatus[st] = 0
			}
		}
		for _, n := range byStatus {
			stats.Totals[t] += n
		}
	}
	return stats, nil
}

// countByStatus runs one aggregation per variant in parallel.
func (s *Service) countByStatus(ctx context.Context, mechanicID string) (map[domain.TaskType]map[domain.RequestStatus]int64, error) {
	results := make([]map[domain.RequestStatus]int64, len(domain.TaskTypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range domain.TaskTypes {
		g.Go(func() error {
			counts, err := s.store.CountByStatus(gctx, t, mechanicID)
			if err != nil {
				return fmt.Errorf("failed to count %s requests: %w", t, err)
			}
			results[i] = counts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[domain.TaskType]map[domain.RequestStatus]int64, len(results))
	for i, t := range domain.TaskTypes {
		if results[i] == nil {
			results[i] = make(map[domain.RequestStatus]int64)
		}
		out[t] = results[i]
	}
	return out, nil
}

// StatusGroup is a dashboard tab.
type StatusGroup string

const (
	GroupAll        StatusGroup = ""
	GroupPending    StatusGroup = "pending"
	GroupInProgress StatusGroup = "in-progress"
	GroupCompleted  StatusGroup = "completed"
	GroupCancelled  StatusGroup = "cancelled"
)

func (g StatusGroup) includes(s domain.TaskStatus) bool {
	switch g {
	case GroupAll:
		return true
	case GroupPending:
		return s == domain.TaskAssigned
	case GroupInProgress:
		return s == domain.TaskInProgress
	case GroupCompleted:
		return s == domain.TaskCompleted
	case GroupCancelled:
		return s == domain.TaskCancelled
	}
	return false
}

type TaskFilter struct {
	Group StatusGroup
	Type  domain.TaskType
	Limit int
}

// ParseTaskFilter validates the dashboard query parameters. Empty values mean
// no filtering.
func ParseTaskFilter(status, taskType, limit string) (TaskFilter, error) {
	var f TaskFilter
	switch g := StatusGroup(strings.ToLower(strings.TrimSpace(status))); g {
	case GroupAll, GroupPending, GroupInProgress, GroupCompleted, GroupCancelled:
		f.Group = g
	default:
		return f, domain.Invalid("unknown status filter %q", status)
	}
	if strings.TrimSpace(taskType) != "" && taskType != "all" {
		t, err := domain.ParseTaskType(taskType)
		if err != nil {
			return f, err
		}
		f.Type = t
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, domain.Invalid("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// MechanicTasks lists the mechanic's tasks across all variants: emergencies
// first, then by urgency (critical first), then by scheduled date, then id.
func (s *Service) MechanicTasks(ctx context.Context, mechanicID string, f TaskFilter) ([]*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceMechanicTasks")
	defer span.End()

	types := domain.TaskTypes
	if f.Type != "" {
		types = []domain.TaskType{f.Type}
	}
	results := make([][]*domain.ServiceRequest, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		g.Go(func() error {
			reqs, err := s.store.ListRequestsByMechanic(gctx, t, mechanicID)
			if err != nil {
				return fmt.Errorf("failed to list %s tasks: %w", t, err)
			}
			results[i] = reqs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fail(span, err, "Failed to list tasks")
		return nil, err
	}

	tasks := make([]*domain.ServiceRequest, 0)
	for _, reqs := range results {
		for _, r := range reqs {
			status, ok := r.TaskStatus()
			if !ok || !f.Group.includes(status) {
				continue
			}
			tasks = append(tasks, r)
		}
	}
	SortTasks(tasks)
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	span.SetAttributes(attribute.Int("taskCount", len(tasks)))
	return tasks, nil
}

// SortTasks orders tasks for the mechanic dashboard.
func SortTasks(tasks []*domain.ServiceRequest) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		ae, be := a.Type == domain.TaskTypeEmergency, b.Type == domain.TaskTypeEmergency
		if ae != be {
			return ae
		}
		if ar, br := a.Urgency.Rank(), b.Urgency.Rank(); ar != br {
			return ar > br
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
}
