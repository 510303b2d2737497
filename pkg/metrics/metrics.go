package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueDepth reports the current length of each queue per island
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "crossqueue_queue_depth",
		Help: "Current number of entries in a queue",
	},
	[]string{"island", "queue"},
)

// RequestsTotal counts requests reaching a terminal state by kind and reason
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crossqueue_requests_total",
		Help: "Total number of requests that reached a terminal state",
	},
	[]string{"island", "kind", "reason"},
)

// DispatchLatency records how long the executor held the resource per request
var DispatchLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "crossqueue_dispatch_latency_seconds",
		Help:    "Time in seconds spent executing a dispatched request",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	},
	[]string{"island", "kind"},
)

// Routing and notification metrics
var (
	RouteResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossqueue_route_results_total",
			Help: "Control-plane commands routed to worker processes by outcome",
		},
		[]string{"island", "outcome"},
	)

	NoticesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossqueue_notices_total",
			Help: "Notices published to front-end adapters by kind",
		},
		[]string{"kind"},
	)

	MirrorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossqueue_notice_mirror_errors_total",
			Help: "Errors forwarding notices to external mirrors",
		},
		[]string{"mirror"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, RequestsTotal, DispatchLatency)
	prometheus.MustRegister(RouteResults, NoticesTotal, MirrorErrors)
}
