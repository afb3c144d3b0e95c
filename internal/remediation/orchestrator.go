// Package remediation drives the automated attempt/backoff/poll cycle
// that tries to heal an incident before a human has to.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/incidents"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// Identity used for automated closures and audit entries.
const (
	AutoHealActor   = "AI_AUTO_HEAL"
	AutoHealActorID = "AUTO_REM_001"
)

// IncidentStore is the slice of incident storage the orchestrator
// needs. Satisfied by incidents.Repository.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	CreateAttempt(ctx context.Context, attempt *domain.RemediationAttempt) error
	CompleteAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, failureReason *string, completedAt time.Time) error
	UpdateRemediation(ctx context.Context, id string, update incidents.RemediationUpdate) error
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
}

// Acknowledger closes incidents with full SLA accounting. Satisfied by
// incidents.Service.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id, actor, actorID string) (*domain.Incident, error)
}

// Orchestrator runs one background cycle per incident. Cycles suspend
// during backoff and poll waits without blocking each other, re-read
// incident state before every mutating step, and always resolve to
// success, retry or escalation.
type Orchestrator struct {
	store    IncidentStore
	closer   Acknowledger
	policies domain.PolicyTable
	trigger  Trigger
	monitor  *Monitor
	pub      incidents.Publisher
	clock    Clock
	logger   *slog.Logger
	enabled  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates the remediation orchestrator.
func NewOrchestrator(
	store IncidentStore,
	closer Acknowledger,
	policies domain.PolicyTable,
	trigger Trigger,
	monitor *Monitor,
	pub incidents.Publisher,
	clock Clock,
	enabled bool,
	logger *slog.Logger,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		closer:   closer,
		policies: policies,
		trigger:  trigger,
		monitor:  monitor,
		pub:      pub,
		clock:    clock,
		logger:   logger,
		enabled:  enabled,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start launches the attempt cycle for an incident in the background.
// The cycle resumes from the persisted attempt count, so re-invoking it
// for a half-finished incident continues instead of starting over.
func (o *Orchestrator) Start(incident *domain.Incident) {
	if !o.enabled {
		o.logger.Info("auto-remediation disabled, skipping", "incident_id", incident.ID)
		return
	}

	next := incident.RemediationAttempts + 1
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := ctxlog.WithLogger(o.baseCtx, o.logger.With("incident_id", incident.ID))
		o.runCycle(ctx, incident.ID, next)
	}()
}

// Shutdown cancels all running cycles and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, incidentID string, attempt int) {
	logger := ctxlog.FromContext(ctx)
	start := o.clock.Now()
	defer func() {
		cycleDuration.Observe(o.clock.Now().Sub(start).Seconds())
	}()

	for {
		// Fresh read at every decision point; a manual acknowledgment
		// while the cycle slept must win.
		incident, err := o.store.GetIncident(ctx, incidentID)
		if err != nil {
			logger.Error("cycle aborted, incident read failed", "error", err)
			return
		}
		if incident.Status.IsClosed() {
			logger.Info("incident closed externally, cycle aborted", "attempt", attempt)
			return
		}

		policy, ok := o.policies.Lookup(incident.Classification)
		if !ok || policy.Endpoint == "" {
			o.markNotEligible(ctx, incident, ok)
			return
		}

		if attempt > policy.MaxRetries {
			o.escalate(ctx, incident, fmt.Sprintf("max retries (%d) exceeded", policy.MaxRetries))
			return
		}

		if attempt > 1 {
			delay := policy.BackoffFor(attempt)
			logger.Info("waiting before retry", "attempt", attempt, "backoff", delay)
			if !o.clock.Sleep(ctx, delay) {
				logger.Info("cycle canceled during backoff")
				return
			}
			// The incident may have been acknowledged during the wait.
			incident, err = o.store.GetIncident(ctx, incidentID)
			if err != nil {
				logger.Error("cycle aborted, incident read failed", "error", err)
				return
			}
			if incident.Status.IsClosed() {
				logger.Info("incident closed during backoff, cycle aborted")
				return
			}
		}

		result, err := o.trigger.Trigger(ctx, policy.Endpoint, TriggerRequest{
			IncidentID:     incident.ID,
			Pipeline:       incident.Pipeline,
			Classification: incident.Classification,
			OriginalRunID:  runIDString(incident.RunID),
			Action:         policy.Action,
			Attempt:        attempt,
			MaxRetries:     policy.MaxRetries,
			Timestamp:      o.clock.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			attemptsTotal.WithLabelValues("trigger_failed").Inc()
			logger.Warn("remediation trigger failed", "attempt", attempt, "error", err)

			// The failed trigger still consumes its attempt number, so
			// a failed row is persisted to keep attempt numbers
			// contiguous.
			reason := err.Error()
			failedRow := &domain.RemediationAttempt{
				ID:             uuid.NewString(),
				IncidentID:     incident.ID,
				Number:         attempt,
				Status:         domain.AttemptStatusFailed,
				Classification: incident.Classification,
				Action:         policy.Action,
				StartedAt:      o.clock.Now().UTC(),
			}
			if cerr := o.store.CreateAttempt(ctx, failedRow); cerr != nil {
				if errors.Is(cerr, incidents.ErrAttemptExists) {
					logger.Info("attempt already recorded, duplicate cycle exits", "attempt", attempt)
					return
				}
				logger.Error("failed attempt insert failed", "error", cerr)
			} else {
				o.completeAttempt(ctx, failedRow.ID, domain.AttemptStatusFailed, &reason)
			}

			lastAt := failedRow.StartedAt
			if uerr := o.store.UpdateRemediation(ctx, incident.ID, incidents.RemediationUpdate{
				State:         domain.RemediationStateInProgress,
				Attempts:      &attempt,
				LastAttemptAt: &lastAt,
			}); uerr != nil {
				logger.Error("remediation bookkeeping update failed", "error", uerr)
			}

			o.audit(ctx, &domain.AuditEntry{
				IncidentID: incident.ID,
				Action:     domain.AuditRemediationFailed,
				Pipeline:   incident.Pipeline,
				Actor:      AutoHealActor,
				ActorID:    AutoHealActorID,
				Summary:    fmt.Sprintf("Trigger for attempt %d failed", attempt),
				Details:    err.Error(),
			})
			if attempt >= policy.MaxRetries {
				o.escalate(ctx, incident, fmt.Sprintf("trigger failed on final attempt: %v", err))
				return
			}
			attempt++
			continue
		}

		now := o.clock.Now().UTC()
		attemptRow := &domain.RemediationAttempt{
			ID:             uuid.NewString(),
			IncidentID:     incident.ID,
			Number:         attempt,
			Status:         domain.AttemptStatusInProgress,
			RemediationRun: result.RunID,
			Classification: incident.Classification,
			Action:         policy.Action,
			StartedAt:      now,
		}
		if err := o.store.CreateAttempt(ctx, attemptRow); err != nil {
			if errors.Is(err, incidents.ErrAttemptExists) {
				// Another cycle already owns this attempt number.
				logger.Info("attempt already recorded, duplicate cycle exits", "attempt", attempt)
				return
			}
			logger.Error("cycle aborted, attempt insert failed", "error", err)
			return
		}

		if err := o.store.UpdateRemediation(ctx, incident.ID, incidents.RemediationUpdate{
			State:         domain.RemediationStateInProgress,
			RunID:         &result.RunID,
			Attempts:      &attempt,
			LastAttemptAt: &now,
		}); err != nil {
			logger.Error("remediation bookkeeping update failed", "error", err)
		}

		logger.Info("remediation triggered",
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"action", policy.Action,
			"remediation_run_id", result.RunID)

		o.audit(ctx, &domain.AuditEntry{
			IncidentID: incident.ID,
			Action:     domain.AuditRemediationTriggered,
			Pipeline:   incident.Pipeline,
			RunID:      result.RunID,
			Actor:      AutoHealActor,
			ActorID:    AutoHealActorID,
			Summary:    fmt.Sprintf("Attempt %d/%d (%s)", attempt, policy.MaxRetries, policy.Action),
		})

		eventType := domain.EventRemediationStarted
		if attempt > 1 {
			eventType = domain.EventRemediationRetry
		}
		o.pub.Publish(ctx, domain.Event{
			Type:           eventType,
			IncidentID:     incident.ID,
			Pipeline:       incident.Pipeline,
			RunID:          result.RunID,
			Status:         incident.Status,
			Severity:       incident.Severity,
			Priority:       incident.Priority,
			Classification: incident.Classification,
			Attempt:        attempt,
			MaxRetries:     policy.MaxRetries,
			Actor:          AutoHealActor,
			OccurredAt:     now,
		})

		outcome, message := o.monitor.Watch(ctx, result.RunID)
		switch outcome {
		case OutcomeSucceeded:
			o.handleSuccess(ctx, incident, attemptRow, attempt)
			return

		case OutcomeFailed:
			attemptsTotal.WithLabelValues("failed").Inc()
			o.completeAttempt(ctx, attemptRow.ID, domain.AttemptStatusFailed, &message)
			logger.Warn("remediation attempt failed", "attempt", attempt, "reason", message)
			o.audit(ctx, &domain.AuditEntry{
				IncidentID: incident.ID,
				Action:     domain.AuditRemediationFailed,
				Pipeline:   incident.Pipeline,
				RunID:      result.RunID,
				Actor:      AutoHealActor,
				ActorID:    AutoHealActorID,
				Summary:    fmt.Sprintf("Attempt %d failed", attempt),
				Details:    message,
			})
			if attempt >= policy.MaxRetries {
				o.escalate(ctx, incident, message)
				return
			}
			attempt++

		case OutcomeTimeout:
			attemptsTotal.WithLabelValues("timeout").Inc()
			o.completeAttempt(ctx, attemptRow.ID, domain.AttemptStatusTimeout, &message)
			// The incident may have been acknowledged while the
			// monitor waited; a manual closure wins.
			current, err := o.store.GetIncident(ctx, incident.ID)
			if err != nil {
				logger.Error("incident read failed after monitor timeout", "error", err)
				return
			}
			if current.Status.IsClosed() {
				logger.Info("incident closed externally, timeout state not recorded", "attempt", attempt)
				return
			}
			// Ambiguous outcome: the run may still finish remotely, so
			// no retry is spawned and the incident stays open for a
			// human to resolve.
			if err := o.store.UpdateRemediation(ctx, incident.ID, incidents.RemediationUpdate{
				State: domain.RemediationStateTimeout,
			}); err != nil {
				logger.Error("remediation state update failed", "error", err)
			}
			logger.Warn("remediation monitoring timed out", "attempt", attempt, "run_id", result.RunID)
			o.audit(ctx, &domain.AuditEntry{
				IncidentID: incident.ID,
				Action:     domain.AuditRemediationTimeout,
				Pipeline:   incident.Pipeline,
				RunID:      result.RunID,
				Actor:      AutoHealActor,
				ActorID:    AutoHealActorID,
				Summary:    fmt.Sprintf("Attempt %d monitoring timed out", attempt),
				Details:    message,
			})
			o.pub.Publish(ctx, domain.Event{
				Type:       domain.EventRemediationTimeout,
				IncidentID: incident.ID,
				Pipeline:   incident.Pipeline,
				RunID:      result.RunID,
				Attempt:    attempt,
				Actor:      AutoHealActor,
				Message:    message,
				OccurredAt: o.clock.Now().UTC(),
			})
			return

		case OutcomeCanceledByShutdown:
			logger.Info("cycle interrupted by shutdown", "attempt", attempt)
			return
		}
	}
}

func (o *Orchestrator) handleSuccess(ctx context.Context, incident *domain.Incident, attemptRow *domain.RemediationAttempt, attempt int) {
	logger := ctxlog.FromContext(ctx)
	attemptsTotal.WithLabelValues("succeeded").Inc()

	o.completeAttempt(ctx, attemptRow.ID, domain.AttemptStatusSucceeded, nil)

	if err := o.store.UpdateRemediation(ctx, incident.ID, incidents.RemediationUpdate{
		State: domain.RemediationStateSucceeded,
	}); err != nil {
		logger.Error("remediation state update failed", "error", err)
	}

	closed, err := o.closer.Acknowledge(ctx, incident.ID, AutoHealActor, AutoHealActorID)
	if err != nil {
		logger.Error("auto-close after remediation failed", "error", err)
		return
	}

	logger.Info("remediation succeeded",
		"attempt", attempt,
		"remediation_run_id", attemptRow.RemediationRun,
		"sla_status", closed.SLAStatus)

	o.audit(ctx, &domain.AuditEntry{
		IncidentID: incident.ID,
		Action:     domain.AuditRemediationSucceeded,
		Pipeline:   incident.Pipeline,
		RunID:      attemptRow.RemediationRun,
		Actor:      AutoHealActor,
		ActorID:    AutoHealActorID,
		SLAStatus:  string(closed.SLAStatus),
		Summary:    fmt.Sprintf("Healed on attempt %d", attempt),
	})

	o.pub.Publish(ctx, domain.Event{
		Type:           domain.EventRemediationSucceeded,
		IncidentID:     incident.ID,
		Pipeline:       incident.Pipeline,
		RunID:          attemptRow.RemediationRun,
		Status:         closed.Status,
		Severity:       incident.Severity,
		Priority:       incident.Priority,
		Classification: incident.Classification,
		Attempt:        attempt,
		Actor:          AutoHealActor,
		OccurredAt:     o.clock.Now().UTC(),
	})
}

// markNotEligible records that the incident cannot be auto-remediated.
// Incident state stays untouched; only the audit trail notes the
// decision.
func (o *Orchestrator) markNotEligible(ctx context.Context, incident *domain.Incident, policyFound bool) {
	reason := "no policy for classification"
	if policyFound {
		reason = "policy has no endpoint configured"
	}
	ctxlog.FromContext(ctx).Info("incident not auto-remediable",
		"classification", incident.Classification, "reason", reason)
	o.audit(ctx, &domain.AuditEntry{
		IncidentID: incident.ID,
		Action:     domain.AuditRemediationNotEligible,
		Pipeline:   incident.Pipeline,
		Actor:      AutoHealActor,
		ActorID:    AutoHealActorID,
		Summary:    fmt.Sprintf("%s: %s", reason, incident.Classification),
	})
}

// escalate gives up on automation: the exhausted marker is set and the
// incident is forced back to open so it surfaces for manual handling.
// The snapshot passed in may predate a long monitor wait, so the
// incident is re-read first; a manual acknowledgment in the meantime
// wins and no state is written.
func (o *Orchestrator) escalate(ctx context.Context, incident *domain.Incident, reason string) {
	logger := ctxlog.FromContext(ctx)

	current, err := o.store.GetIncident(ctx, incident.ID)
	if err != nil {
		logger.Error("escalation aborted, incident read failed", "error", err)
		return
	}
	if current.Status.IsClosed() {
		logger.Info("incident closed externally, escalation skipped")
		return
	}

	escalationsTotal.Inc()

	open := domain.IncidentStatusOpen
	if err := o.store.UpdateRemediation(ctx, incident.ID, incidents.RemediationUpdate{
		State:  domain.RemediationStateExhausted,
		Status: &open,
	}); err != nil {
		logger.Error("escalation update failed", "error", err)
	}

	logger.Error("remediation exhausted, escalating to manual handling", "reason", reason)

	o.audit(ctx, &domain.AuditEntry{
		IncidentID: incident.ID,
		Action:     domain.AuditRemediationEscalated,
		Pipeline:   incident.Pipeline,
		Actor:      AutoHealActor,
		ActorID:    AutoHealActorID,
		Summary:    "Escalated to manual intervention",
		Details:    reason,
	})

	o.pub.Publish(ctx, domain.Event{
		Type:           domain.EventRemediationEscalated,
		IncidentID:     incident.ID,
		Pipeline:       incident.Pipeline,
		Status:         domain.IncidentStatusOpen,
		Severity:       incident.Severity,
		Priority:       incident.Priority,
		Classification: incident.Classification,
		Actor:          AutoHealActor,
		Message:        reason,
		OccurredAt:     o.clock.Now().UTC(),
	})
}

func (o *Orchestrator) completeAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, reason *string) {
	if err := o.store.CompleteAttempt(ctx, attemptID, status, reason, o.clock.Now().UTC()); err != nil {
		ctxlog.FromContext(ctx).Error("attempt completion update failed",
			"attempt_id", attemptID, "status", status, "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, entry *domain.AuditEntry) {
	entry.CreatedAt = o.clock.Now().UTC()
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		ctxlog.FromContext(ctx).Error("audit append failed", "action", entry.Action, "error", err)
	}
}

func runIDString(runID *string) string {
	if runID == nil {
		return ""
	}
	return *runID
}
