package incidents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "biwatch"

var (
	incidentMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "mutations_total",
			Help:      "Incident mutations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	activityLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity_log",
			Name:      "writes_total",
			Help:      "Best-effort activity log appends by outcome",
		},
		[]string{"outcome"},
	)

	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "reconciliations_total",
			Help:      "Store reconciliations triggered by realtime changes",
		},
		[]string{"outcome"},
	)
)

func recordMutation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	incidentMutations.WithLabelValues(operation, outcome).Inc()
}
