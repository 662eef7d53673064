// Package metrics provides Prometheus metrics shared across HTTP and storage layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every biwatch metric.
const Namespace = "biwatch"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// RealtimeSubscribers tracks open realtime subscriptions by kind.
	RealtimeSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Number of active realtime subscribers",
		},
		[]string{"kind"},
	)

	// RealtimeChanges counts incident change notifications fanned out.
	RealtimeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "realtime",
			Name:      "changes_total",
			Help:      "Total incident change notifications by operation",
		},
		[]string{"operation"},
	)
)
