package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "biwatch"

var (
	stepCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_completions_total",
			Help:      "Resolution steps completed by step",
		},
		[]string{"step"},
	)

	snapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "snapshot_writes_total",
			Help:      "Session cache snapshot writes by outcome",
		},
		[]string{"outcome"},
	)

	restores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "snapshot_restores_total",
			Help:      "Snapshot restores by outcome",
		},
		[]string{"outcome"},
	)
)
