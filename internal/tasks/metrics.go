package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinchwork_tasks_created_total",
		Help: "Tasks posted to the marketplace.",
	})
	tasksApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinchwork_tasks_approved_total",
		Help: "Deliveries approved by posters.",
	})
	tasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinchwork_tasks_rejected_total",
		Help: "Deliveries rejected by posters.",
	})
	pickupsByPhase = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinchwork_pickups_total",
		Help: "Successful claims by pickup phase.",
	}, []string{"phase"})
)
