package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts observation cycles by result.
	// Labels: result (executed, no_decision, executor_error, executor_timeout)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "loop",
			Name:      "cycles_total",
			Help:      "Total number of observation cycles by result",
		},
		[]string{"result"},
	)

	// LearnPassesTotal counts learning passes by trigger.
	// Labels: trigger (interval, utility)
	LearnPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "loop",
			Name:      "learn_passes_total",
			Help:      "Total number of pattern detection and synthesis passes",
		},
		[]string{"trigger"},
	)

	// MaintenancePassesTotal counts decay and prune passes.
	MaintenancePassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "loop",
			Name:      "maintenance_passes_total",
			Help:      "Total number of decay and prune passes",
		},
	)

	// RulesSynthesizedTotal counts rules created by the learning path.
	RulesSynthesizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "decisiond",
			Subsystem: "loop",
			Name:      "rules_synthesized_total",
			Help:      "Total number of rules created from detected patterns",
		},
	)

	// Utility tracks the recent success-rate utility.
	Utility = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "decisiond",
			Subsystem: "loop",
			Name:      "utility",
			Help:      "Success-rate utility over the recent event window",
		},
	)
)
