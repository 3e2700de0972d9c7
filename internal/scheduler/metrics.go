package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_jobs_total",
			Help: "Total number of jobs that reached COMPLETED, by outcome.",
		},
		[]string{"platform", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_job_execution_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
}
