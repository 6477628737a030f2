package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("campaigngraph.runner")

var (
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaigngraph_tasks_dispatched_total",
		Help: "Task attempts handed to an executor",
	})

	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaigngraph_task_outcomes_total",
		Help: "Resolved task attempts by outcome and error kind",
	}, []string{"outcome", "kind"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaigngraph_task_duration_seconds",
		Help:    "Task attempt duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"outcome"})

	runningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaigngraph_running_tasks",
		Help: "Task attempts currently in flight across all campaigns",
	})

	runsConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaigngraph_runs_concluded_total",
		Help: "Campaign runs that reached a verdict",
	}, []string{"state"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaigngraph_store_errors_total",
		Help: "Failed persistence calls made by coordinators",
	}, []string{"op"})
)
