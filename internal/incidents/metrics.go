package incidents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoremedy"

var (
	createdTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Incidents opened from failure alerts",
		},
		[]string{"source", "priority"},
	)

	duplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "duplicates_total",
			Help:      "Alerts suppressed because the run id was already claimed",
		},
	)

	slaOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "sla_outcomes_total",
			Help:      "Acknowledgements by SLA outcome",
		},
		[]string{"outcome"},
	)

	timeToAckSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "time_to_ack_seconds",
			Help:      "Seconds between incident creation and acknowledgement",
			Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		},
	)
)
