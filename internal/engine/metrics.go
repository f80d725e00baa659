package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/vidscope/internal/model"
)

var (
	jobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidscope_jobs_dispatched_total",
			Help: "Total number of jobs handed to the execution engine.",
		},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscope_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"status"},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidscope_jobs_running",
			Help: "Number of jobs currently in the running state.",
		},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidscope_job_duration_seconds",
			Help:    "Duration from the running transition to the terminal write, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(jobsDispatchedTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(jobDuration)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	jobsFinishedTotal.WithLabelValues(model.StatusCompleted)
	jobsFinishedTotal.WithLabelValues(model.StatusFailed)
}
