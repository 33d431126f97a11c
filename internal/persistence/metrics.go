package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotsTotal counts snapshot attempts.
	// Labels: result (success, error)
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "persistence",
			Name:      "snapshots_total",
			Help:      "Total number of snapshot operations",
		},
		[]string{"result"},
	)

	// SnapshotDuration tracks how long snapshots take.
	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "decisiond",
			Subsystem: "persistence",
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of snapshot operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DegradedStatus indicates whether persistence is degraded
	// (1=degraded, 0=healthy).
	DegradedStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "decisiond",
			Subsystem: "persistence",
			Name:      "degraded",
			Help:      "Whether the persistence layer is degraded (1=degraded, 0=healthy)",
		},
	)
)
