package domain

import "time"

// Audit trail actions recorded alongside incident mutations.
const (
	AuditIncidentCreated        = "incident_created"
	AuditDuplicateDetected      = "duplicate_run_detected"
	AuditIncidentAcknowledged   = "incident_acknowledged"
	AuditStatusChanged          = "status_changed"
	AuditRemediationTriggered   = "remediation_triggered"
	AuditRemediationSucceeded   = "remediation_succeeded"
	AuditRemediationFailed      = "remediation_attempt_failed"
	AuditRemediationTimeout     = "remediation_monitor_timeout"
	AuditRemediationEscalated   = "remediation_escalated"
	AuditRemediationNotEligible = "remediation_not_eligible"
)

// AuditEntry is one append-only audit record. Entries are never updated
// or deleted; ordering follows the monotonically increasing ID assigned
// by storage.
type AuditEntry struct {
	ID          int64
	IncidentID  string
	Action      string
	Pipeline    string
	RunID       string
	Actor       string
	ActorID     string
	TimeTaken   *int
	MTTRMinutes *float64
	SLAStatus   string
	Summary     string
	Details     string
	CreatedAt   time.Time
}
