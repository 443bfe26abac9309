package process

import "github.com/prometheus/client_golang/prometheus"

var workersStarted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "vigil_process_workers_started_total",
		Help: "Total number of worker child processes started by the process backend.",
	},
)

func init() {
	prometheus.MustRegister(workersStarted)
}
