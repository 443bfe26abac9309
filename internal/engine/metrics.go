package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/vigil/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_tasks_total",
			Help: "Total number of tasks reaching a final status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_task_duration_seconds",
			Help:    "Task run time from start to final status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"isolation"},
	)

	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_builds_total",
			Help: "Total number of builds run, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(buildsTotal)

	for _, s := range []string{
		model.StatusCompleted, model.StatusFailed, model.StatusSkipped, model.StatusKilled,
	} {
		tasksTotal.WithLabelValues(s)
	}
}
