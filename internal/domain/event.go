package domain

import "time"

// EventType identifies a state-change event pushed to notification sinks.
type EventType string

const (
	EventIncidentCreated      EventType = "incident_created"
	EventIncidentAcknowledged EventType = "incident_acknowledged"
	EventStatusChanged        EventType = "status_changed"
	EventRemediationStarted   EventType = "remediation_started"
	EventRemediationRetry     EventType = "remediation_retry"
	EventRemediationSucceeded EventType = "remediation_succeeded"
	EventRemediationTimeout   EventType = "remediation_timeout"
	EventRemediationEscalated EventType = "remediation_escalated"
)

// Event is a state-change notification fanned out to sinks. Delivery is
// best effort; sinks must never influence incident state.
type Event struct {
	Type           EventType
	IncidentID     string
	Pipeline       string
	RunID          string
	Status         IncidentStatus
	Severity       Severity
	Priority       Priority
	Classification string
	RootCause      string
	Attempt        int
	MaxRetries     int
	Actor          string
	Message        string
	OccurredAt     time.Time
}
