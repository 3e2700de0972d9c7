package executor

import "github.com/prometheus/client_golang/prometheus"

var (
	placementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_placements_total",
			Help: "Total number of tasks submitted to each platform.",
		},
		[]string{"platform"},
	)

	unplaceableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_unplaceable_tasks_total",
			Help: "Total number of tasks no platform could run.",
		},
	)
)

func init() {
	prometheus.MustRegister(placementsTotal)
	prometheus.MustRegister(unplaceableTotal)
}
