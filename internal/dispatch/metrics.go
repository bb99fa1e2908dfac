package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_dispatch_published_total",
			Help: "Messages accepted for delivery by kind.",
		},
		[]string{"kind"},
	)

	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_dispatch_dropped_total",
			Help: "Messages rejected because their lane was full.",
		},
		[]string{"kind"},
	)

	handled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_dispatch_handled_total",
			Help: "Successful handler invocations by kind and handler.",
		},
		[]string{"kind", "handler"},
	)

	failed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsync_dispatch_failed_total",
			Help: "Failed or panicking handler invocations by kind and handler.",
		},
		[]string{"kind", "handler"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runsync_dispatch_queue_depth",
		Help: "Messages waiting in dispatcher lanes.",
	})
)

func init() {
	prometheus.MustRegister(published, dropped, handled, failed, queueDepth)
}
