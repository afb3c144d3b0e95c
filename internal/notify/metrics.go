package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoremedy"

var eventsDelivered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Events handed to sinks by delivery result",
	},
	[]string{"sink", "result"},
)
