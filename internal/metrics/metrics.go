// Package metrics exposes the Prometheus instruments shared across the
// scheduler and the API surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printd_jobs_created_total",
		Help: "The total number of jobs admitted per printer",
	}, []string{"printer"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printd_jobs_finished_total",
		Help: "The total number of jobs reaching a terminal state",
	}, []string{"printer", "state"}) // state: completed, canceled, aborted

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printd_active_jobs",
		Help: "Jobs currently in the active indices across all printers",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printd_subscriptions",
		Help: "Live event subscriptions",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printd_events_published_total",
		Help: "Events appended to subscription logs",
	}, []string{"event"})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printd_requests_rejected_total",
		Help: "Dispatcher requests rejected before any mutation",
	}, []string{"reason"}) // reason: authorization, validation, admission
)
