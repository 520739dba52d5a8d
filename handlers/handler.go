package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"task-service/auth"
	"task-service/domain"
	"task-service/service"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskHandler serves the task-service HTTP API
type TaskHandler struct {
	service *service.Service
	issuer  *auth.Issuer
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(svc *service.Service, issuer *auth.Issuer, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		service: svc,
		issuer:  issuer,
		tracer:  otel.Tracer("task-service"),
		logger:  logger,
	}
}

type errorBody struct {
	Error string      `json:"error"`
	Code  domain.Kind `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status. Conflicts are reported as
// 400 like every other rejected request.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindConflict:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeError is the single place errors are turned into responses. Untyped
// errors are logged and reported without their internal detail.
func (h *TaskHandler) writeError(w http.ResponseWriter, span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)

	e, ok := domain.AsError(err)
	if !ok {
		h.logger.Error(msg, "error", err, "app", "task-service")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}
	status := statusFor(e.Kind)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "error", err, "kind", e.Kind, "app", "task-service")
	} else {
		h.logger.Info(msg, "error", err, "kind", e.Kind, "app", "task-service")
	}
	writeJSON(w, status, errorBody{Error: e.Msg, Code: e.Kind})
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return domain.Invalid("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.Error{Kind: domain.KindValidation, Msg: "invalid request body", Err: err}
	}
	return nil
}

// caller returns the identity placed on the context by requireRole.
func caller(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

// HealthCheck pings the store
func (h *TaskHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HealthCheck")
	defer span.End()

	if err := h.service.Store().Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Store unreachable")
		h.logger.Error("Health check failed", "error", err, "app", "task-service")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unreachable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
