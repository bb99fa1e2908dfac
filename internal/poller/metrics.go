package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_poller_ticks_total",
			Help: "Poller ticks by poller and outcome (ok, error, skipped).",
		},
		[]string{"poller", "outcome"},
	)

	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runsync_poller_tick_duration_seconds",
			Help:    "Duration of one poller tick across all its workflows.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"poller"},
	)

	pollersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runsync_pollers_registered",
		Help: "Number of registered pollers.",
	})
)

func init() {
	prometheus.MustRegister(ticksTotal, tickDuration, pollersRegistered)
}
