package timeout

import "github.com/prometheus/client_golang/prometheus"

// Escalation label values.
const (
	escalationKill    = "kill"
	escalationAbandon = "abandon"
)

var (
	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_timeouts_total",
			Help: "Total number of supervised tasks whose deadline expired before they completed.",
		},
	)

	watchdogWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_watchdog_warnings_total",
			Help: "Total number of \"not yet stopped\" warnings emitted by watchdogs.",
		},
	)

	stopEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_stop_escalations_total",
			Help: "Total number of watchdog escalations for tasks that ignored a stop request.",
		},
		[]string{"action"},
	)

	supervisedUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_supervised_units",
			Help: "Number of tasks currently under timeout supervision.",
		},
	)

	stopLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_stop_latency_seconds",
			Help:    "Duration from stop request to confirmed task exit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(timeoutsTotal)
	prometheus.MustRegister(watchdogWarnings)
	prometheus.MustRegister(stopEscalations)
	prometheus.MustRegister(supervisedUnits)
	prometheus.MustRegister(stopLatency)

	stopEscalations.WithLabelValues(escalationKill)
	stopEscalations.WithLabelValues(escalationAbandon)
}
