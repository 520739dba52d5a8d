package handlers

import (
	"net/http"
	"time"

	"task-service/domain"
	"task-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

type mechanicSummary struct {
	ID           string              `json:"id"`
	MechanicID   string              `json:"mechanicId"`
	Name         string              `json:"name"`
	Availability domain.Availability `json:"availability"`
}

func summarizeMechanic(m *domain.Mechanic) mechanicSummary {
	return mechanicSummary{ID: m.ID, MechanicID: m.MechanicID, Name: m.Name, Availability: m.Availability}
}

type taskSummary struct {
	ID               string               `json:"id"`
	Type             domain.TaskType      `json:"type"`
	Status           domain.RequestStatus `json:"status"`
	AssignedMechanic string               `json:"assignedMechanic,omitempty"`
	MechanicNotes    string               `json:"mechanicNotes,omitempty"`
	AssignedAt       *time.Time           `json:"assignedAt,omitempty"`
	StartedAt        *time.Time           `json:"startedAt,omitempty"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
	Rating           int                  `json:"rating,omitempty"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

func summarizeTask(t *domain.ServiceRequest) taskSummary {
	return taskSummary{
		ID:               t.ID,
		Type:             t.Type,
		Status:           t.Status,
		AssignedMechanic: t.AssignedMechanic,
		MechanicNotes:    t.MechanicNotes,
		AssignedAt:       t.AssignedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		Rating:           t.Rating,
		UpdatedAt:        t.UpdatedAt,
	}
}

// AssignTask binds a task to a mechanic
func (h *TaskHandler) AssignTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AssignTask")
	defer span.End()

	var in service.AssignInput
	if err := decode(r, &in); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	span.SetAttributes(
		attribute.String("mechanicID", in.MechanicID),
		attribute.String("taskID", in.TaskID),
		attribute.String("taskType", in.TaskType),
	)

	assignment, err := h.service.Assign(ctx, in)
	if err != nil {
		h.writeError(w, span, err, "Failed to assign task")
		return
	}
	h.logger.Info("Successfully assigned task", "taskID", in.TaskID, "mechanicID", in.MechanicID, "app", "task-service")
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Task assigned successfully",
		"mechanic": summarizeMechanic(assignment.Mechanic),
		"task":     summarizeTask(assignment.Task),
	})
}

// UpdateTaskStatus moves the caller's task to a new status
func (h *TaskHandler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateTaskStatus")
	defer span.End()

	id, err := caller(r)
	if err != nil {
		h.writeError(w, span, err, "Missing caller identity")
		return
	}
	var body struct {
		Status   string  `json:"status"`
		TaskType string  `json:"taskType"`
		Notes    *string `json:"notes"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	taskID := mux.Vars(r)["taskId"]

	task, err := h.service.UpdateStatus(ctx, service.StatusInput{
		TaskID:     taskID,
		TaskType:   body.TaskType,
		Status:     body.Status,
		MechanicID: id.Subject,
		Notes:      body.Notes,
	})
	if err != nil {
		h.writeError(w, span, err, "Failed to update task status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Task status updated successfully",
		"task":    summarizeTask(task),
	})
}

// TaskRoute returns the stored coordinates of the caller's task
func (h *TaskHandler) TaskRoute(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "TaskRoute")
	defer span.End()

	id, err := caller(r)
	if err != nil {
		h.writeError(w, span, err, "Missing caller identity")
		return
	}
	info, err := h.service.RouteInfo(ctx, id.Subject, r.URL.Query().Get("taskType"), mux.Vars(r)["taskId"])
	if err != nil {
		h.writeError(w, span, err, "Failed to load route info")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// RateTask records a customer rating for a completed task
func (h *TaskHandler) RateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RateTask")
	defer span.End()

	var body struct {
		TaskType string `json:"taskType"`
		Rating   int    `json:"rating"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	task, err := h.service.RateTask(ctx, body.TaskType, mux.Vars(r)["taskId"], body.Rating)
	if err != nil {
		h.writeError(w, span, err, "Failed to rate task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rating recorded",
		"task":    summarizeTask(task),
	})
}
