// Package incidents implements the incident lifecycle: creation with
// run-id deduplication, acknowledgment with SLA accounting, status
// transitions and the append-only audit trail.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// runIDNotApplicable is the sentinel some alert payloads carry instead
// of a run identifier. It is treated the same as an empty value.
const runIDNotApplicable = "N/A"

// Analyzer produces a root-cause finding for a failure description.
// It never fails; the chain's static fallback guarantees a finding.
type Analyzer interface {
	Analyze(ctx context.Context, description string, source domain.SourceKind) *domain.Finding
}

// Publisher receives state-change events. Implementations must be
// non-blocking from the caller's point of view.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Service implements incident business logic.
type Service struct {
	repo     Repository
	analyzer Analyzer
	pub      Publisher
	sla      config.SLAConfig

	now func() time.Time
}

// NewService creates a new incident service.
func NewService(repo Repository, analyzer Analyzer, pub Publisher, sla config.SLAConfig) *Service {
	return &Service{
		repo:     repo,
		analyzer: analyzer,
		pub:      pub,
		sla:      sla,
		now:      time.Now,
	}
}

// CreateAlertInput holds a normalized failure alert.
type CreateAlertInput struct {
	Pipeline    string
	RunID       string
	Source      domain.SourceKind
	Description string
}

// CreateResult reports the outcome of alert ingestion. Created is false
// when the run id was already claimed, in which case Incident is the
// existing winner. AutoHealable carries the analysis verdict so the
// caller can hand the incident to the remediation orchestrator.
type CreateResult struct {
	Incident     *domain.Incident
	Created      bool
	AutoHealable bool
}

// CreateFromAlert runs analysis on the alert and opens an incident.
func (s *Service) CreateFromAlert(ctx context.Context, input CreateAlertInput) (*CreateResult, error) {
	logger := ctxlog.FromContext(ctx)

	if input.Source != domain.SourceDataFactory && input.Source != domain.SourceDatabricks {
		return nil, ErrInvalidSource
	}

	runID := normalizeRunID(input.RunID)

	// Cheap pre-check; the storage constraint is the real guard.
	if runID != nil {
		existing, err := s.repo.GetIncidentByRunID(ctx, *runID)
		if err == nil {
			s.auditDuplicate(ctx, existing, *runID)
			return &CreateResult{Incident: existing}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("check run id: %w", err)
		}
	}

	finding := s.analyzer.Analyze(ctx, input.Description, input.Source)
	tags := DeriveOwnerTags(input.Pipeline)
	now := s.now().UTC()

	incident := &domain.Incident{
		ID:              s.newIncidentID(input.Source, now),
		RunID:           runID,
		Pipeline:        input.Pipeline,
		Source:          input.Source,
		Classification:  finding.Classification,
		Severity:        finding.Severity,
		Priority:        finding.Priority,
		RootCause:       finding.RootCause,
		Recommendations: finding.Recommendations,
		Confidence:      finding.Confidence,
		AffectedEntity:  finding.AffectedEntity,
		Status:          domain.IncidentStatusOpen,
		SLASeconds:      s.sla.SecondsFor(finding.Priority),
		SLAStatus:       domain.SLAStatusPending,
		OwnerTeam:       tags.Team,
		Owner:           tags.Owner,
		CostCenter:      tags.CostCenter,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.CreateIncident(ctx, incident); err != nil {
		if errors.Is(err, ErrDuplicateRun) && runID != nil {
			// Lost the race; report the winner.
			winner, rerr := s.repo.GetIncidentByRunID(ctx, *runID)
			if rerr != nil {
				return nil, fmt.Errorf("re-read winning incident: %w", rerr)
			}
			s.auditDuplicate(ctx, winner, *runID)
			return &CreateResult{Incident: winner}, nil
		}
		return nil, fmt.Errorf("create incident: %w", err)
	}

	createdTotal.WithLabelValues(string(incident.Source), string(incident.Priority)).Inc()
	logger.Info("incident created",
		"incident_id", incident.ID,
		"pipeline", incident.Pipeline,
		"classification", incident.Classification,
		"priority", incident.Priority,
		"auto_healable", finding.AutoHealable)

	s.audit(ctx, &domain.AuditEntry{
		IncidentID: incident.ID,
		Action:     domain.AuditIncidentCreated,
		Pipeline:   incident.Pipeline,
		RunID:      input.RunID,
		Actor:      "system",
		SLAStatus:  string(incident.SLAStatus),
		Summary:    truncate(incident.RootCause, 200),
		Details:    fmt.Sprintf("classification=%s severity=%s priority=%s provider=%s", incident.Classification, incident.Severity, incident.Priority, finding.Provider),
	})

	s.pub.Publish(ctx, domain.Event{
		Type:           domain.EventIncidentCreated,
		IncidentID:     incident.ID,
		Pipeline:       incident.Pipeline,
		RunID:          input.RunID,
		Status:         incident.Status,
		Severity:       incident.Severity,
		Priority:       incident.Priority,
		Classification: incident.Classification,
		RootCause:      incident.RootCause,
		OccurredAt:     now,
	})

	return &CreateResult{
		Incident:     incident,
		Created:      true,
		AutoHealable: finding.AutoHealable,
	}, nil
}

// Get returns one incident by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Incident, error) {
	return s.repo.GetIncident(ctx, id)
}

// GetByRunID returns the incident that reserved the given run id.
func (s *Service) GetByRunID(ctx context.Context, runID string) (*domain.Incident, error) {
	return s.repo.GetIncidentByRunID(ctx, runID)
}

// List returns incidents matching the filters.
func (s *Service) List(ctx context.Context, filters IncidentFilters) ([]*domain.Incident, error) {
	return s.repo.ListIncidents(ctx, filters)
}

// Summary returns fleet-wide counters.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.repo.Summary(ctx)
}

// ListAudit returns audit entries matching the filters.
func (s *Service) ListAudit(ctx context.Context, filters AuditFilters) ([]*domain.AuditEntry, error) {
	return s.repo.ListAudit(ctx, filters)
}

// ListAttempts returns the remediation attempts for an incident.
func (s *Service) ListAttempts(ctx context.Context, incidentID string) ([]*domain.RemediationAttempt, error) {
	return s.repo.ListAttempts(ctx, incidentID)
}

// Acknowledge closes an incident: records the actor, the elapsed
// seconds since creation, MTTR in minutes and the SLA outcome.
// Acknowledging an already-acknowledged incident is a no-op.
func (s *Service) Acknowledge(ctx context.Context, id, actor, actorID string) (*domain.Incident, error) {
	logger := ctxlog.FromContext(ctx)

	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Status.IsClosed() {
		return incident, nil
	}

	now := s.now().UTC()
	ackSeconds := int(now.Sub(incident.CreatedAt).Seconds())
	mttr := math.Round(float64(ackSeconds)/60*100) / 100

	slaStatus := domain.SLAStatusMet
	if ackSeconds > incident.SLASeconds {
		slaStatus = domain.SLAStatusBreached
	}

	closure := Closure{
		Actor:       actor,
		ActorID:     actorID,
		AckAt:       now,
		AckSeconds:  ackSeconds,
		MTTRMinutes: mttr,
		SLAStatus:   slaStatus,
	}
	if err := s.repo.CloseIncident(ctx, id, closure); err != nil {
		if errors.Is(err, ErrAlreadyClosed) {
			// Lost the race to a concurrent closer; its closure
			// stands and no second audit or event is produced.
			logger.Info("incident closed concurrently, acknowledge is a no-op",
				"incident_id", id, "actor", actor)
			return s.repo.GetIncident(ctx, id)
		}
		return nil, fmt.Errorf("close incident: %w", err)
	}

	slaOutcomesTotal.WithLabelValues(strings.ToLower(string(slaStatus))).Inc()
	timeToAckSeconds.Observe(float64(ackSeconds))

	incident.Status = domain.IncidentStatusAcknowledged
	incident.AckActor = actor
	incident.AckActorID = actorID
	incident.AckAt = &now
	incident.AckSeconds = &ackSeconds
	incident.SLAStatus = slaStatus
	incident.UpdatedAt = now

	logger.Info("incident acknowledged",
		"incident_id", id,
		"actor", actor,
		"ack_seconds", ackSeconds,
		"sla_status", slaStatus)

	s.audit(ctx, &domain.AuditEntry{
		IncidentID:  id,
		Action:      domain.AuditIncidentAcknowledged,
		Pipeline:    incident.Pipeline,
		RunID:       runIDString(incident.RunID),
		Actor:       actor,
		ActorID:     actorID,
		TimeTaken:   &ackSeconds,
		MTTRMinutes: &mttr,
		SLAStatus:   string(slaStatus),
		Summary:     fmt.Sprintf("Acknowledged by %s after %ds", actor, ackSeconds),
	})

	s.pub.Publish(ctx, domain.Event{
		Type:       domain.EventIncidentAcknowledged,
		IncidentID: id,
		Pipeline:   incident.Pipeline,
		Status:     incident.Status,
		Severity:   incident.Severity,
		Priority:   incident.Priority,
		Actor:      actor,
		Message:    fmt.Sprintf("SLA %s, MTTR %.2f min", slaStatus, mttr),
		OccurredAt: now,
	})

	return incident, nil
}

// SetStatus applies an externally driven status transition. Moving to
// acknowledged is routed through Acknowledge so SLA accounting happens
// exactly once.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.IncidentStatus, actor string) (*domain.Incident, error) {
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}
	if status == domain.IncidentStatusAcknowledged {
		return s.Acknowledge(ctx, id, actor, "")
	}

	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Status == status {
		return incident, nil
	}

	if err := s.repo.UpdateIncidentStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	prev := incident.Status
	incident.Status = status
	incident.UpdatedAt = s.now().UTC()

	s.audit(ctx, &domain.AuditEntry{
		IncidentID: id,
		Action:     domain.AuditStatusChanged,
		Pipeline:   incident.Pipeline,
		RunID:      runIDString(incident.RunID),
		Actor:      actor,
		Summary:    fmt.Sprintf("Status %s -> %s", prev, status),
	})

	s.pub.Publish(ctx, domain.Event{
		Type:       domain.EventStatusChanged,
		IncidentID: id,
		Pipeline:   incident.Pipeline,
		Status:     status,
		Severity:   incident.Severity,
		Priority:   incident.Priority,
		Actor:      actor,
		OccurredAt: incident.UpdatedAt,
	})

	return incident, nil
}

func (s *Service) newIncidentID(source domain.SourceKind, now time.Time) string {
	prefix := "ADF"
	if source == domain.SourceDatabricks {
		prefix = "DBX"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102T150405"), suffix)
}

func (s *Service) auditDuplicate(ctx context.Context, winner *domain.Incident, runID string) {
	duplicatesTotal.Inc()
	ctxlog.FromContext(ctx).Info("duplicate run alert suppressed",
		"incident_id", winner.ID, "run_id", runID)
	s.audit(ctx, &domain.AuditEntry{
		IncidentID: winner.ID,
		Action:     domain.AuditDuplicateDetected,
		Pipeline:   winner.Pipeline,
		RunID:      runID,
		Actor:      "system",
		Summary:    fmt.Sprintf("Duplicate alert for run %s", runID),
	})
}

func (s *Service) audit(ctx context.Context, entry *domain.AuditEntry) {
	entry.CreatedAt = s.now().UTC()
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		// Audit failures must not abort the mutation that already happened.
		ctxlog.FromContext(ctx).Error("audit append failed",
			"incident_id", entry.IncidentID, "action", entry.Action, "error", err)
	}
}

func normalizeRunID(runID string) *string {
	trimmed := strings.TrimSpace(runID)
	if trimmed == "" || strings.EqualFold(trimmed, runIDNotApplicable) {
		return nil
	}
	return &trimmed
}

func runIDString(runID *string) string {
	if runID == nil {
		return ""
	}
	return *runID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
