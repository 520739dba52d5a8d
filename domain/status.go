package domain

import "strings"

// TaskType identifies which service-request collection a task lives in.
type TaskType string

const (
	TaskTypeAppointment TaskType = "appointment"
	TaskTypeEmergency   TaskType = "emergency"
	TaskTypeInquiry     TaskType = "inquiry"
)

// TaskTypes lists every variant in a fixed order.
var TaskTypes = []TaskType{TaskTypeAppointment, TaskTypeEmergency, TaskTypeInquiry}

// ParseTaskType rejects anything outside the closed set.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskTypeAppointment, TaskTypeEmergency, TaskTypeInquiry:
		return t, nil
	}
	return "", ErrInvalidTaskType
}

// Collection is the MongoDB collection holding this variant.
func (t TaskType) Collection() string {
	switch t {
	case TaskTypeAppointment:
		return "appointments"
	case TaskTypeEmergency:
		return "emergencies"
	case TaskTypeInquiry:
		return "inquiries"
	}
	return ""
}

// RequestStatus is the status stored on a service request. Its vocabulary
// depends on the variant, see TaskType.Statuses.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusConfirmed  RequestStatus = "confirmed"
	StatusUrgent     RequestStatus = "urgent"
	StatusNew        RequestStatus = "new"
	StatusAssigned   RequestStatus = "assigned"
	StatusInProgress RequestStatus = "in-progress"
	StatusCompleted  RequestStatus = "completed"
	StatusResolved   RequestStatus = "resolved"
	StatusCancelled  RequestStatus = "cancelled"
)

// Statuses returns the closed vocabulary of the variant, initial status first.
func (t TaskType) Statuses() []RequestStatus {
	switch t {
	case TaskTypeAppointment:
		return []RequestStatus{StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled}
	case TaskTypeEmergency:
		return []RequestStatus{StatusUrgent, StatusAssigned, StatusInProgress, StatusResolved, StatusCancelled}
	case TaskTypeInquiry:
		return []RequestStatus{StatusNew, StatusAssigned, StatusInProgress, StatusResolved, StatusCancelled}
	}
	return nil
}

// InitialStatus is the status a request is created with, before any assignment.
func (t TaskType) InitialStatus() RequestStatus {
	return t.Statuses()[0]
}

// RequestStatusFor maps a mechanic-facing status onto the variant's vocabulary.
func (t TaskType) RequestStatusFor(s TaskStatus) RequestStatus {
	switch s {
	case TaskAssigned:
		if t == TaskTypeAppointment {
			return StatusConfirmed
		}
		return StatusAssigned
	case TaskInProgress:
		return StatusInProgress
	case TaskCompleted:
		if t == TaskTypeAppointment {
			return StatusCompleted
		}
		return StatusResolved
	case TaskCancelled:
		return StatusCancelled
	}
	return ""
}

// TaskStatusOf is the inverse of RequestStatusFor. It reports false for the
// initial (unassigned) status and for values outside the variant's vocabulary.
func (t TaskType) TaskStatusOf(rs RequestStatus) (TaskStatus, bool) {
	for _, s := range TaskStatuses {
		if t.RequestStatusFor(s) == rs {
			return s, true
		}
	}
	return "", false
}

// ActiveStatuses are the request statuses that keep a mechanic busy.
func (t TaskType) ActiveStatuses() []RequestStatus {
	return []RequestStatus{t.RequestStatusFor(TaskAssigned), t.RequestStatusFor(TaskInProgress)}
}

// TaskStatus is the mechanic-facing lifecycle status, shared by all variants.
type TaskStatus string

const (
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

var TaskStatuses = []TaskStatus{TaskAssigned, TaskInProgress, TaskCompleted, TaskCancelled}

// ParseTaskStatus accepts the mechanic-facing vocabulary plus the variant
// spellings "confirmed" and "resolved".
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assigned", "confirmed":
		return TaskAssigned, nil
	case "in-progress":
		return TaskInProgress, nil
	case "completed", "resolved":
		return TaskCompleted, nil
	case "cancelled":
		return TaskCancelled, nil
	}
	return "", ErrInvalidStatus
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskInProgress
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskAssigned:
		return 0
	case TaskInProgress:
		return 1
	case TaskCompleted, TaskCancelled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether next is a legal forward move from s.
// Staying in place is not a transition and returns false.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	if next == TaskCancelled {
		return true
	}
	return next.rank() > s.rank()
}

// Availability is a mechanic's capacity state.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

func ParseAvailability(s string) (Availability, error) {
	switch a := Availability(strings.ToLower(strings.TrimSpace(s))); a {
	case Available, Busy, Offline:
		return a, nil
	}
	return "", ErrInvalidAvailability
}

// Urgency of an emergency request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank orders urgencies, critical highest. Unknown values rank below low.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 4
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	}
	return 0
}

// Specialization is drawn from a fixed vocabulary.
type Specialization string

const (
	SpecEngineRepair   Specialization = "engine-repair"
	SpecBrakes         Specialization = "brakes"
	SpecElectrical     Specialization = "electrical"
	SpecTyres          Specialization = "tyres-puncture"
	SpecChainSprocket  Specialization = "chain-sprocket"
	SpecGeneralService Specialization = "general-service"
	SpecRoadside       Specialization = "roadside-assistance"
	SpecBodywork       Specialization = "bodywork"
)

var Specializations = []Specialization{
	SpecEngineRepair, SpecBrakes, SpecElectrical, SpecTyres,
	SpecChainSprocket, SpecGeneralService, SpecRoadside, SpecBodywork,
}

func ParseSpecialization(s string) (Specialization, error) {
	v := Specialization(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Specializations {
		if v == known {
			return v, nil
		}
	}
	return "", Invalid("unknown specialization %q", s)
}
