package runtime

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_tasks_submitted_total",
			Help: "Total number of tasks admitted by the runtime.",
		},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_tasks_finished_total",
			Help: "Total number of finished tasks by outcome.",
		},
		[]string{"outcome"},
	)

	localAccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_local_accesses_total",
			Help: "Total number of data accesses made by the application itself.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(localAccesses)
}
