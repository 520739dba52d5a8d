package handlers

import (
	"net/http"

	"task-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

// MechanicStats returns the caller's task counts
func (h *TaskHandler) MechanicStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MechanicStats")
	defer span.End()

	id, err := caller(r)
	if err != nil {
		h.writeError(w, span, err, "Missing caller identity")
		return
	}
	stats, err := h.service.MechanicStats(ctx, id.Subject)
	if err != nil {
		h.writeError(w, span, err, "Failed to load mechanic stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// MechanicTasks lists the caller's tasks, filtered and ordered for the dashboard
func (h *TaskHandler) MechanicTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MechanicTasks")
	defer span.End()

	id, err := caller(r)
	if err != nil {
		h.writeError(w, span, err, "Missing caller identity")
		return
	}
	q := r.URL.Query()
	filter, err := service.ParseTaskFilter(q.Get("status"), q.Get("type"), q.Get("limit"))
	if err != nil {
		h.writeError(w, span, err, "Invalid task filter")
		return
	}
	tasks, err := h.service.MechanicTasks(ctx, id.Subject, filter)
	if err != nil {
		h.writeError(w, span, err, "Failed to list mechanic tasks")
		return
	}
	span.SetAttributes(attribute.Int("taskCount", len(tasks)))
	writeJSON(w, http.StatusOK, tasks)
}

type availabilityBody struct {
	Availability string `json:"availability"`
}

// MechanicAvailability lets the caller go online or offline
func (h *TaskHandler) MechanicAvailability(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MechanicAvailability")
	defer span.End()

	id, err := caller(r)
	if err != nil {
		h.writeError(w, span, err, "Missing caller identity")
		return
	}
	h.setAvailability(w, r.WithContext(ctx), id.Subject)
}

// AdminAvailability sets any mechanic's availability
func (h *TaskHandler) AdminAvailability(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdminAvailability")
	defer span.End()

	h.setAvailability(w, r.WithContext(ctx), mux.Vars(r)["id"])
}

func (h *TaskHandler) setAvailability(w http.ResponseWriter, r *http.Request, mechanicID string) {
	ctx, span := h.tracer.Start(r.Context(), "SetAvailability")
	defer span.End()

	var body availabilityBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	m, err := h.service.SetAvailability(ctx, mechanicID, body.Availability)
	if err != nil {
		h.writeError(w, span, err, "Failed to set availability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Availability updated",
		"mechanic": summarizeMechanic(m),
	})
}

// RegisterMechanic creates a mechanic account
func (h *TaskHandler) RegisterMechanic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RegisterMechanic")
	defer span.End()

	var in service.RegisterInput
	if err := decode(r, &in); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	m, err := h.service.RegisterMechanic(ctx, in)
	if err != nil {
		h.writeError(w, span, err, "Failed to register mechanic")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// DeactivateMechanic soft-deletes a mechanic
func (h *TaskHandler) DeactivateMechanic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DeactivateMechanic")
	defer span.End()

	mechanicID := mux.Vars(r)["id"]
	if err := h.service.DeactivateMechanic(ctx, mechanicID); err != nil {
		h.writeError(w, span, err, "Failed to deactivate mechanic")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mechanic deactivated", "id": mechanicID})
}

// AdminStats returns platform-wide counts
func (h *TaskHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdminStats")
	defer span.End()

	stats, err := h.service.AdminStats(ctx)
	if err != nil {
		h.writeError(w, span, err, "Failed to load admin stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reconcile runs one reconciliation sweep
func (h *TaskHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Reconcile")
	defer span.End()

	report, err := h.service.Reconcile(ctx)
	if err != nil {
		h.writeError(w, span, err, "Reconciliation sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Compensations lists recorded assignment compensations, optionally by state
func (h *TaskHandler) Compensations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Compensations")
	defer span.End()

	list, err := h.service.ListCompensations(ctx, r.URL.Query().Get("state"))
	if err != nil {
		h.writeError(w, span, err, "Failed to list compensations")
		return
	}
	if list == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
		return
	}
	writeJSON(w, http.StatusOK, list)
}
