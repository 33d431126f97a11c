package decision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts decisions by source.
	// Labels: source (rule, memory)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "decision",
			Name:      "decisions_total",
			Help:      "Total number of recommendations returned by source",
		},
		[]string{"source"},
	)

	// NoDecisionsTotal counts cycles that ended without a recommendation.
	// Labels: reason (no_match, below_threshold, conflict, memory_unavailable)
	NoDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "decision",
			Name:      "no_decisions_total",
			Help:      "Total number of explicit no-decision results by reason",
		},
		[]string{"reason"},
	)

	// DecideDuration tracks decision path latency.
	DecideDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "decisiond",
			Subsystem: "decision",
			Name:      "decide_duration_seconds",
			Help:      "Duration of Decide calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
