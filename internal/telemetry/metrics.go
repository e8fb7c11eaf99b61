package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "plane",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ConnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "connect",
		Name:      "requests_total",
		Help:      "Total number of connect requests by outcome.",
	},
	[]string{"outcome"},
)

var BackendsSpawnedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "backend",
		Name:      "spawned_total",
		Help:      "Total number of backends spawned.",
	},
)

var BackendStatusesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "backend",
		Name:      "statuses_total",
		Help:      "Total number of backend status transitions recorded.",
	},
	[]string{"status"},
)

var TerminateActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "sweeper",
		Name:      "terminate_actions_total",
		Help:      "Total number of terminate actions issued by the sweeper.",
	},
	[]string{"kind"},
)

var StreamLagDropsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "bus",
		Name:      "lagging_subscribers_dropped_total",
		Help:      "Total number of status-stream bus subscriptions closed for lagging.",
	},
)

var DronesConnected = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "plane",
		Subsystem: "node",
		Name:      "drones_connected",
		Help:      "Number of drone sockets currently connected.",
	},
)

// All returns all plane-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectsTotal,
		BackendsSpawnedTotal,
		BackendStatusesTotal,
		TerminateActionsTotal,
		StreamLagDropsTotal,
		DronesConnected,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the HTTP duration histogram, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
