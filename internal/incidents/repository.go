package incidents

import (
	"context"
	"time"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// Repository defines the interface for incident storage.
type Repository interface {
	// CreateIncident inserts a new incident. When the incident carries a
	// run id that another incident already reserved, the storage-level
	// uniqueness constraint fires and ErrDuplicateRun is returned.
	CreateIncident(ctx context.Context, incident *domain.Incident) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	GetIncidentByRunID(ctx context.Context, runID string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filters IncidentFilters) ([]*domain.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus) error
	// CloseIncident acknowledges an incident and records SLA
	// accounting. The write is guarded on status, so of two racing
	// closers exactly one wins; the loser gets ErrAlreadyClosed.
	CloseIncident(ctx context.Context, id string, closure Closure) error
	UpdateRemediation(ctx context.Context, id string, update RemediationUpdate) error

	// CreateAttempt inserts a remediation attempt row. A duplicate
	// (incident, attempt number) pair returns ErrAttemptExists.
	CreateAttempt(ctx context.Context, attempt *domain.RemediationAttempt) error
	CompleteAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, failureReason *string, completedAt time.Time) error
	ListAttempts(ctx context.Context, incidentID string) ([]*domain.RemediationAttempt, error)

	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, filters AuditFilters) ([]*domain.AuditEntry, error)

	Summary(ctx context.Context) (*Summary, error)
}

// IncidentFilters holds filter options for listing incidents.
type IncidentFilters struct {
	Status   *domain.IncidentStatus
	Severity *domain.Severity
	Source   *domain.SourceKind
	Pipeline string
	Limit    int
	Offset   int
}

// AuditFilters holds filter options for the audit trail.
type AuditFilters struct {
	IncidentID string
	Action     string
	Limit      int
}

// Closure carries the fields written when an incident is acknowledged.
type Closure struct {
	Actor       string
	ActorID     string
	AckAt       time.Time
	AckSeconds  int
	MTTRMinutes float64
	SLAStatus   domain.SLAStatus
}

// RemediationUpdate carries the remediation bookkeeping written back to
// an incident between attempts.
type RemediationUpdate struct {
	State         domain.RemediationState
	RunID         *string
	Attempts      *int
	LastAttemptAt *time.Time
	// Status, when set, also transitions the incident status in the
	// same write (used for escalation back to open).
	Status *domain.IncidentStatus
}

// Summary aggregates fleet-wide incident counters for the dashboard.
type Summary struct {
	TotalIncidents int     `json:"total_incidents"`
	OpenIncidents  int     `json:"open_incidents"`
	Acknowledged   int     `json:"acknowledged_incidents"`
	SLABreached    int     `json:"sla_breached"`
	AvgAckSeconds  float64 `json:"avg_ack_time_sec"`
	MTTRMinutes    float64 `json:"mttr_min"`
	AutoRemediated int     `json:"auto_remediated"`
	TotalAuditRows int     `json:"total_audits"`
}
