package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	artifactsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidscope_artifacts_removed_total",
			Help: "Total number of job input artifacts removed by cleanup.",
		},
	)

	cleanupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidscope_cleanup_failures_total",
			Help: "Total number of artifact removals that failed during cleanup.",
		},
	)

	sweptDirsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidscope_swept_job_dirs_total",
			Help: "Total number of orphaned job directories removed by the sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(artifactsRemovedTotal)
	prometheus.MustRegister(cleanupFailuresTotal)
	prometheus.MustRegister(sweptDirsTotal)
}
