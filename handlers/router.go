package handlers

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"task-service/auth"
	"task-service/metrics"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// NewRouter wires every endpoint of the task service.
func NewRouter(h *TaskHandler) *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("task-service"))
	r.Use(countRequests)

	admin := func(fn http.HandlerFunc) http.HandlerFunc { return h.requireRole(auth.RoleAdmin, fn) }
	mechanic := func(fn http.HandlerFunc) http.HandlerFunc { return h.requireRole(auth.RoleMechanic, fn) }

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/auth/mechanic/login", h.MechanicLogin).Methods("POST")
	r.HandleFunc("/auth/admin/login", h.AdminLogin).Methods("POST")

	r.HandleFunc("/assign-task", admin(h.AssignTask)).Methods("POST")
	r.HandleFunc("/tasks/{taskId}/status", mechanic(h.UpdateTaskStatus)).Methods("PATCH")
	r.HandleFunc("/tasks/{taskId}/route", mechanic(h.TaskRoute)).Methods("GET")
	r.HandleFunc("/tasks/{taskId}/rating", h.RateTask).Methods("POST")

	r.HandleFunc("/mechanic-dashboard/stats", mechanic(h.MechanicStats)).Methods("GET")
	r.HandleFunc("/mechanic-dashboard/tasks", mechanic(h.MechanicTasks)).Methods("GET")
	r.HandleFunc("/mechanic-dashboard/availability", mechanic(h.MechanicAvailability)).Methods("PATCH")

	r.HandleFunc("/admin/mechanics", admin(h.RegisterMechanic)).Methods("POST")
	r.HandleFunc("/admin/mechanics/{id}", admin(h.DeactivateMechanic)).Methods("DELETE")
	r.HandleFunc("/admin/mechanics/{id}/availability", admin(h.AdminAvailability)).Methods("PATCH")
	r.HandleFunc("/admin/dashboard/stats", admin(h.AdminStats)).Methods("GET")
	r.HandleFunc("/admin/reconcile", admin(h.Reconcile)).Methods("POST")
	r.HandleFunc("/admin/compensations", admin(h.Compensations)).Methods("GET")

	r.HandleFunc("/ws/tasks", h.TaskFeed).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is needed by the websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// countRequests labels requests by route template so ids do not explode cardinality.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
