package domain

import (
	"context"
	"time"
)

// MechanicRepository persists mechanic profiles and their embedded task index.
// Every write bumps Mechanic.Version.
type MechanicRepository interface {
	GetMechanicByID(ctx context.Context, id string) (*Mechanic, error)
	GetMechanicByEmail(ctx context.Context, email string) (*Mechanic, error)
	ListMechanics(ctx context.Context) ([]*Mechanic, error)
	CountMechanicsByAvailability(ctx context.Context) (map[Availability]int64, error)
	CreateMechanic(ctx context.Context, m *Mechanic) error

	// PushAssignment appends entry and marks the mechanic busy, but only while
	// the mechanic is active and available. Otherwise it returns ErrMechanicUnavailable.
	PushAssignment(ctx context.Context, mechanicID string, entry AssignedTask, at time.Time) error
	// PullAssignment removes a still-assigned entry and returns a busy mechanic
	// to available. Missing entries are not an error.
	PullAssignment(ctx context.Context, mechanicID, taskID string, at time.Time) error
	// SetAssignmentStatus updates the embedded entry for taskID. When
	// countCompletion is set, completedTasks is incremented in the same write
	// unless the entry is already completed.
	SetAssignmentStatus(ctx context.Context, mechanicID, taskID string, status TaskStatus, countCompletion bool, at time.Time) error
	// SetAvailability moves the mechanic to `to` if its availability is one of `from`.
	SetAvailability(ctx context.Context, mechanicID string, from []Availability, to Availability, at time.Time) (bool, error)
	// SwapAvailability sets availability if the stored version still matches.
	SwapAvailability(ctx context.Context, mechanicID string, version int64, to Availability, at time.Time) (bool, error)
	// ReplaceAssignments overwrites the derived index if the stored version still matches.
	ReplaceAssignments(ctx context.Context, mechanicID string, version int64, index TaskIndex, at time.Time) (bool, error)
	AddRating(ctx context.Context, mechanicID string, rating int, at time.Time) error
	DeactivateMechanic(ctx context.Context, mechanicID string, at time.Time) error
}

// RequestRepository persists appointments, emergencies and inquiries. There is
// deliberately no generic update: assignedMechanic is only written by ClaimRequest.
type RequestRepository interface {
	GetRequest(ctx context.Context, taskType TaskType, id string) (*ServiceRequest, error)
	CreateRequest(ctx context.Context, r *ServiceRequest) error
	// ClaimRequest binds the request to mechanicID if it is unassigned and still
	// in its initial status. It reports whether the guard matched.
	ClaimRequest(ctx context.Context, taskType TaskType, id, mechanicID string, status RequestStatus, at time.Time) (bool, error)
	// TransitionRequest applies t if the request is still assigned to
	// t.MechanicID and still in t.From.
	TransitionRequest(ctx context.Context, taskType TaskType, id string, t Transition) (bool, error)
	ListRequestsByMechanic(ctx context.Context, taskType TaskType, mechanicID string) ([]*ServiceRequest, error)
	// CountActiveTasks counts requests of every variant assigned to the mechanic
	// in an assigned or in-progress status.
	CountActiveTasks(ctx context.Context, mechanicID string) (int64, error)
	// CountByStatus groups requests of one variant by status. An empty
	// mechanicID counts globally.
	CountByStatus(ctx context.Context, taskType TaskType, mechanicID string) (map[RequestStatus]int64, error)
	// RateRequest stores a customer rating on a completed, unrated request.
	RateRequest(ctx context.Context, taskType TaskType, id string, rating int, at time.Time) (bool, error)
}

// OutboxRepository stores events for asynchronous publication.
type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, event *OutboxEvent) error
	GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
}

// CompensationRepository keeps the log of compensating actions.
type CompensationRepository interface {
	SaveCompensation(ctx context.Context, c *Compensation) error
	ResolveCompensation(ctx context.Context, id string, state CompensationState, errMsg string, at time.Time) error
	ListCompensations(ctx context.Context, state CompensationState) ([]*Compensation, error)
}

// Store is everything the task service needs from persistence.
type Store interface {
	MechanicRepository
	RequestRepository
	OutboxRepository
	CompensationRepository

	SupportsTransactions() bool
	// WithTransaction runs fn atomically. fn must use the context it is given.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// WatchTasks streams changes to requests assigned to mechanicID until ctx ends.
	WatchTasks(ctx context.Context, mechanicID string) (<-chan TaskChange, error)
	Ping(ctx context.Context) error
}
