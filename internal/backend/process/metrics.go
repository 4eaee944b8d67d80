package process

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for worker process outcomes.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeCrashed   = "crashed"
	outcomeKilled    = "killed"
)

var (
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_process_active",
			Help: "Number of currently running worker processes.",
		},
	)

	processDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_process_duration_seconds",
			Help:    "Duration from worker process start to exit, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	processExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_process_exits_total",
			Help: "Total number of worker processes that exited, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeProcesses)
	prometheus.MustRegister(processDuration)
	prometheus.MustRegister(processExitsTotal)

	for _, o := range []string{outcomeSucceeded, outcomeFailed, outcomeCrashed, outcomeKilled} {
		processExitsTotal.WithLabelValues(o)
	}
}
