package analyser

import "github.com/prometheus/client_golang/prometheus"

var (
	graphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_graph_nodes",
			Help: "Number of tasks currently held in the dependency graph.",
		},
	)

	tasksRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_tasks_retired_total",
			Help: "Total number of tasks removed from the dependency graph.",
		},
	)

	checkpointsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_checkpoints_pending",
			Help: "Number of block outputs waiting to be checkpointed.",
		},
	)

	checkpointFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_checkpoint_failures_total",
			Help: "Total number of failed checkpoint saves.",
		},
	)
)

func init() {
	prometheus.MustRegister(graphNodes)
	prometheus.MustRegister(tasksRetired)
	prometheus.MustRegister(checkpointsPending)
	prometheus.MustRegister(checkpointFailures)
}
