package exposure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "biwatch"

var (
	reportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exposure",
			Name:      "report_duration_seconds",
			Help:      "Time to generate an exposure report",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	reportRooms = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exposure",
			Name:      "report_rooms",
			Help:      "Number of rooms affected per generated report",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	reportsRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exposure",
			Name:      "rate_limited_total",
			Help:      "Exposure report requests rejected by the per-facility rate limit",
		},
	)
)
