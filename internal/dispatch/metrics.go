package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

var (
	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_tasks_running",
			Help: "Number of tasks currently holding a concurrency slot.",
		},
	)

	taskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_task_transitions_total",
			Help: "Total number of task status transitions, by target status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_task_duration_seconds",
			Help:    "Duration of a task from launch to terminal status, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_runs_total",
			Help: "Total number of finished runs, by final status.",
		},
		[]string{"status"},
	)

	resultConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_result_conflicts_total",
			Help: "Total number of duplicate result writes rejected by the store.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(taskTransitionsTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(resultConflictsTotal)

	for _, s := range model.TaskStatuses {
		taskTransitionsTotal.WithLabelValues(s)
	}
	for _, s := range []string{model.RunStatusCompleted, model.RunStatusCancelled, model.RunStatusAborted} {
		runsTotal.WithLabelValues(s)
	}
}
