package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	workflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_workflow_runs_total",
			Help: "Pipeline ticks by kind and result (transition, noop, error).",
		},
		[]string{"kind", "result"},
	)

	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runsync_workflow_duration_seconds",
			Help:    "Duration of one pipeline tick.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(workflowRuns, workflowDuration)
}
