package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoremedy"

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "attempts_total",
			Help:      "Remediation attempts by terminal result",
		},
		[]string{"result"},
	)

	triggerRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "trigger_retries_total",
			Help:      "Trigger endpoint calls retried after a 5xx response",
		},
	)

	escalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "escalations_total",
			Help:      "Incidents escalated back to manual handling",
		},
	)

	monitorPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "monitor_polls_total",
			Help:      "Run status polls by outcome",
		},
		[]string{"outcome"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a complete remediation cycle",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
	)
)
