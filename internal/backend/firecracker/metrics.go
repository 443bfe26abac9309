package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for unit status.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusKilled    = "killed"
	statusTimedOut  = "timed_out"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	vsockUnitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_firecracker_vsock_unit_seconds",
			Help:    "Time from request sent to final result received over vsock, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	guestStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_firecracker_guest_stop_seconds",
			Help:    "Time from the first stop frame sent to a guest until its unit finished, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_firecracker_units_total",
			Help: "Total number of units processed by the Firecracker backend.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vsockUnitDuration)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(guestStopDuration)
	prometheus.MustRegister(unitsTotal)

	for _, s := range []string{statusCompleted, statusFailed, statusKilled, statusTimedOut} {
		unitsTotal.WithLabelValues(s)
	}
}
