package handlers

import (
	"net/http"
	"strings"
	"time"

	"task-service/auth"
	"task-service/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errWrongRole = &domain.Error{Kind: domain.KindForbidden, Msg: "insufficient role"}

// requireRole verifies the bearer token and rejects callers without role.
func (h *TaskHandler) requireRole(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "Authenticate")
		defer span.End()

		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			h.writeError(w, span, auth.ErrInvalidToken, "Missing or malformed Authorization header")
			return
		}
		id, err := h.issuer.Verify(token)
		if err != nil {
			h.writeError(w, span, err, "Token rejected")
			return
		}
		if id.Role != role {
			h.logger.Warn("Role not permitted", "subject", id.Subject, "role", id.Role, "required", role, "app", "task-service")
			h.writeError(w, span, errWrongRole, "Role not permitted")
			return
		}
		span.SetAttributes(attribute.String("subject", id.Subject), attribute.String("role", string(id.Role)))
		next(w, r.WithContext(auth.WithIdentity(ctx, id)))
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Role      auth.Role `json:"role"`
	Subject   string    `json:"subject"`
}

// MechanicLogin exchanges mechanic credentials for a token
func (h *TaskHandler) MechanicLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MechanicLogin")
	defer span.End()

	var in credentials
	if err := decode(r, &in); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	m, err := h.service.AuthenticateMechanic(ctx, in.Email, in.Password)
	if err != nil {
		h.writeError(w, span, err, "Mechanic login failed")
		return
	}
	h.issue(w, span, auth.Identity{Subject: m.ID, Role: auth.RoleMechanic})
}

// AdminLogin exchanges the admin credentials for a token
func (h *TaskHandler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdminLogin")
	defer span.End()

	var in credentials
	if err := decode(r, &in); err != nil {
		h.writeError(w, span, err, "Failed to decode request body")
		return
	}
	if err := h.service.AuthenticateAdmin(ctx, in.Email, in.Password); err != nil {
		h.writeError(w, span, err, "Admin login failed")
		return
	}
	h.issue(w, span, auth.Identity{Subject: strings.ToLower(strings.TrimSpace(in.Email)), Role: auth.RoleAdmin})
}

func (h *TaskHandler) issue(w http.ResponseWriter, span trace.Span, id auth.Identity) {
	token, exp, err := h.issuer.Issue(id)
	if err != nil {
		h.writeError(w, span, err, "Failed to issue token")
		return
	}
	h.logger.Info("Issued token", "subject", id.Subject, "role", id.Role, "app", "task-service")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp, Role: id.Role, Subject: id.Subject})
}
