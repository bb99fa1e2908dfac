package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_transitions_total",
			Help: "Lifecycle transitions applied, by entity and state pair.",
		},
		[]string{"entity", "from", "to"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_submissions_total",
			Help: "Run submissions by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, submissionsTotal)
}
