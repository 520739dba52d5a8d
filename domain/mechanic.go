package domain

import "time"

// Location represents geographic coordinates
type Location struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

// ServiceRequest is an appointment, emergency or inquiry submitted by a customer.
// The record is authoritative for who is working on it and how far along it is.
type ServiceRequest struct {
	ID               string        `json:"id" bson:"_id"`
	Type             TaskType      `json:"taskType" bson:"taskType"`
	CustomerName     string        `json:"customerName" bson:"customerName"`
	Phone            string        `json:"phone" bson:"phone"`
	Email            string        `json:"email,omitempty" bson:"email,omitempty"`
	Description      string        `json:"description" bson:"description"`
	ServiceType      string        `json:"serviceType,omitempty" bson:"serviceType,omitempty"`
	Urgency          Urgency       `json:"urgency,omitempty" bson:"urgency,omitempty"`
	Address          string        `json:"address" bson:"address"`
	Location         *Location     `json:"location,omitempty" bson:"location,omitempty"`
	ScheduledAt      time.Time     `json:"scheduledAt" bson:"scheduledAt"`
	AssignedMechanic string        `json:"assignedMechanic,omitempty" bson:"assignedMechanic,omitempty"`
	Status           RequestStatus `json:"status" bson:"status"`
	MechanicNotes    string        `json:"mechanicNotes,omitempty" bson:"mechanicNotes,omitempty"`
	Rating           int           `json:"rating,omitempty" bson:"rating,omitempty"`
	AssignedAt       *time.Time    `json:"assignedAt,omitempty" bson:"assignedAt,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// TaskStatus returns the mechanic-facing status, or false while unassigned.
func (r *ServiceRequest) TaskStatus() (TaskStatus, bool) {
	return r.Type.TaskStatusOf(r.Status)
}

// AssignedTask is the mechanic's embedded reference to a service request.
// It is a secondary index over ServiceRequest.AssignedMechanic.
type AssignedTask struct {
	TaskID     string     `json:"taskId" bson:"taskId"`
	TaskType   TaskType   `json:"taskType" bson:"taskType"`
	AssignedAt time.Time  `json:"assignedAt" bson:"assignedAt"`
	Status     TaskStatus `json:"status" bson:"status"`
}

// Mechanic represents a mechanic
type Mechanic struct {
	ID              string           `json:"id" bson:"_id"`
	MechanicID      string           `json:"mechanicId" bson:"mechanicId"`
	Name            string           `json:"name" bson:"name"`
	Email           string           `json:"email" bson:"email"`
	Phone           string           `json:"phone" bson:"phone"`
	PasswordHash    string           `json:"-" bson:"passwordHash"`
	Specializations []Specialization `json:"specializations" bson:"specializations"`
	Experience      int              `json:"experience" bson:"experience"`
	City            string           `json:"city" bson:"city"`
	Location        *Location        `json:"location,omitempty" bson:"location,omitempty"`
	Rating          float64          `json:"rating" bson:"rating"`
	RatingCount     int              `json:"ratingCount" bson:"ratingCount"`
	Availability    Availability     `json:"availability" bson:"availability"`
	AssignedTasks   []AssignedTask   `json:"assignedTasks" bson:"assignedTasks"`
	CompletedTasks  int              `json:"completedTasks" bson:"completedTasks"`
	IsActive        bool             `json:"isActive" bson:"isActive"`
	Version         int64            `json:"-" bson:"version"`
	CreatedAt       time.Time        `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt" bson:"updatedAt"`
}

// TaskIndex is the part of a mechanic derived from the service requests that
// reference it.
type TaskIndex struct {
	AssignedTasks  []AssignedTask
	Availability   Availability
	CompletedTasks int
}

// OpenAssignment returns the entry for taskID whose status is not completed.
func (m *Mechanic) OpenAssignment(taskID string) (AssignedTask, bool) {
	for _, t := range m.AssignedTasks {
		if t.TaskID == taskID && t.Status != TaskCompleted {
			return t, true
		}
	}
	return AssignedTask{}, false
}

// ActiveAssignments counts entries that keep the mechanic busy.
func (m *Mechanic) ActiveAssignments() int {
	n := 0
	for _, t := range m.AssignedTasks {
		if t.Status.Active() {
			n++
		}
	}
	return n
}

// ComputedAvailability applies the busy rule to a mechanic that is online.
// Offline mechanics stay offline.
func ComputedAvailability(current Availability, activeTasks int64) Availability {
	if current == Offline {
		return Offline
	}
	if activeTasks > 0 {
		return Busy
	}
	return Available
}

// Transition describes a guarded status change on a service request.
type Transition struct {
	MechanicID string
	From       RequestStatus
	To         RequestStatus
	Notes      *string
	At         time.Time
}

// TaskChange is emitted when a service request assigned to a mechanic changes.
type TaskChange struct {
	Operation string          `json:"operation"`
	Task      *ServiceRequest `json:"task"`
}

// OutboxEvent represents an event in the outbox collection
type OutboxEvent struct {
	ID          string     `bson:"_id" json:"id"`
	EventType   string     `bson:"event_type" json:"event_type"`
	Key         string     `bson:"key" json:"key"`
	Payload     []byte     `bson:"payload" json:"payload"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	Processed   bool       `bson:"processed" json:"processed"`
	ProcessedAt *time.Time `bson:"processed_at" json:"processed_at,omitempty"`
}

// CompensationState tracks a compensating action from intent to outcome.
type CompensationState string

const (
	CompensationPending CompensationState = "pending"
	CompensationApplied CompensationState = "applied"
	CompensationFailed  CompensationState = "failed"
)

// Compensation records the undo of a mechanic-side assignment write whose
// task-side write failed. Failed records need manual reconciliation.
type Compensation struct {
	ID         string            `bson:"_id" json:"id"`
	MechanicID string            `bson:"mechanicId" json:"mechanicId"`
	TaskID     string            `bson:"taskId" json:"taskId"`
	TaskType   TaskType          `bson:"taskType" json:"taskType"`
	Reason     string            `bson:"reason" json:"reason"`
	State      CompensationState `bson:"state" json:"state"`
	Error      string            `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt  time.Time         `bson:"createdAt" json:"createdAt"`
	ResolvedAt *time.Time        `bson:"resolvedAt,omitempty" json:"resolvedAt,omitempty"`
}
