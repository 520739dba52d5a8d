// Package metrics holds the Prometheus collectors of the task service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Assignments counts assignment attempts by result (assigned, rejected, error)
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_assignments_total",
		Help: "Task assignment attempts by result",
	}, []string{"result", "task_type"})

	// Compensations counts undo attempts of half-applied assignments
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_assignment_compensations_total",
		Help: "Assignment compensations by outcome",
	}, []string{"outcome"})

	// StatusUpdates counts status changes by target status
	StatusUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_status_updates_total",
		Help: "Task status updates by task type and target status",
	}, []string{"task_type", "status"})

	// ConsistencyWarnings counts detected divergence between mechanic and task records
	ConsistencyWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_consistency_warnings_total",
		Help: "Mechanic/task divergence detected at write time",
	}, []string{"source"})

	ReconcileRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "task_reconcile_repairs_total",
		Help: "Mechanic records rewritten by the reconciliation sweep",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_reconcile_duration_seconds",
		Help:    "Reconciliation sweep duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
