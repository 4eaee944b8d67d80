package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_worker_retries_total",
			Help: "Total number of worker attempts retried after a transient failure.",
		},
	)

	abandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_worker_abandoned_total",
			Help: "Workers resolved without waiting because they ignored cancellation past their grace period.",
		},
	)
)

func init() {
	prometheus.MustRegister(retriesTotal, abandonedTotal)
}
