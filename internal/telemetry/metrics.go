package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "graphgate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CacheRequestsTotal counts cache lookups by cache name and outcome (hit/miss).
var CacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by cache and outcome.",
	},
	[]string{"cache", "outcome"},
)

// CacheEvictionsTotal counts evictions by cache name and reason (lru/ttl/flush).
var CacheEvictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache evictions by cache and reason.",
	},
	[]string{"cache", "reason"},
)

// HandlerBuildsTotal counts handler factory invocations by result.
var HandlerBuildsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "handler",
		Name:      "builds_total",
		Help:      "Handler builds by result (ok/error).",
	},
	[]string{"result"},
)

// HandlerBuildDuration tracks handler build latency.
var HandlerBuildDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "graphgate",
		Subsystem: "handler",
		Name:      "build_duration_seconds",
		Help:      "Handler build duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// NotificationsTotal counts processed schema:update notifications.
var NotificationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Schema update notifications processed.",
	},
)

// ListenerReconnectsTotal counts LISTEN connection re-establishments.
var ListenerReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "notify",
		Name:      "reconnects_total",
		Help:      "LISTEN connection reconnects.",
	},
)

// FlushesTotal counts flush operations by origin (notify/endpoint).
var FlushesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphgate",
		Subsystem: "flush",
		Name:      "operations_total",
		Help:      "Cache flush operations by origin.",
	},
	[]string{"origin"},
)

// PoolsRegistered reports the number of open tenant pools.
var PoolsRegistered = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "graphgate",
		Subsystem: "pgpool",
		Name:      "registered",
		Help:      "Number of open tenant database pools.",
	},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		CacheRequestsTotal,
		CacheEvictionsTotal,
		HandlerBuildsTotal,
		HandlerBuildDuration,
		NotificationsTotal,
		ListenerReconnectsTotal,
		FlushesTotal,
		PoolsRegistered,
	)
	return reg
}
