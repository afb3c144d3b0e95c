// Package postgres provides PostgreSQL implementation of incidents repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/incidents"
)

const uniqueViolation = "23505"

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const incidentColumns = `
	id, run_id, pipeline, source, classification, severity, priority,
	root_cause, recommendations, confidence, affected_entity, status,
	sla_seconds, sla_status, owner_team, owner, cost_center,
	remediation_state, remediation_run_id, remediation_attempts, last_attempt_at,
	ack_actor, ack_actor_id, ack_at, ack_seconds, created_at, updated_at`

// CreateIncident inserts a new incident. The partial unique index on
// run_id turns a concurrent insert for the same run into a unique
// violation, which is surfaced as ErrDuplicateRun.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	query := `
		INSERT INTO incidents (
			id, run_id, pipeline, source, classification, severity, priority,
			root_cause, recommendations, confidence, affected_entity, status,
			sla_seconds, sla_status, owner_team, owner, cost_center, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		incident.ID,
		incident.RunID,
		incident.Pipeline,
		incident.Source,
		incident.Classification,
		incident.Severity,
		incident.Priority,
		incident.RootCause,
		incident.Recommendations,
		incident.Confidence,
		incident.AffectedEntity,
		incident.Status,
		incident.SLASeconds,
		incident.SLAStatus,
		incident.OwnerTeam,
		incident.Owner,
		incident.CostCenter,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return incidents.ErrDuplicateRun
		}
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT` + incidentColumns + ` FROM incidents WHERE id = $1`
	return r.scanIncident(r.db.QueryRow(ctx, query, id))
}

// GetIncidentByRunID retrieves the incident that reserved a run id.
func (r *Repository) GetIncidentByRunID(ctx context.Context, runID string) (*domain.Incident, error) {
	query := `SELECT` + incidentColumns + ` FROM incidents WHERE run_id = $1`
	return r.scanIncident(r.db.QueryRow(ctx, query, runID))
}

// ListIncidents retrieves incidents matching the filters, newest first.
func (r *Repository) ListIncidents(ctx context.Context, filters incidents.IncidentFilters) ([]*domain.Incident, error) {
	query := `SELECT` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *filters.Status)
		argPos++
	}
	if filters.Severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", argPos)
		args = append(args, *filters.Severity)
		argPos++
	}
	if filters.Source != nil {
		query += fmt.Sprintf(" AND source = $%d", argPos)
		args = append(args, *filters.Source)
		argPos++
	}
	if filters.Pipeline != "" {
		query += fmt.Sprintf(" AND pipeline = $%d", argPos)
		args = append(args, filters.Pipeline)
		argPos++
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
		argPos++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filters.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Incident, 0)
	for rows.Next() {
		incident, err := r.scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, incident)
	}
	return result, rows.Err()
}

// UpdateIncidentStatus transitions an incident's status.
func (r *Repository) UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE incidents SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrNotFound
	}
	return nil
}

// CloseIncident acknowledges an incident and records SLA accounting.
// The status guard in the WHERE clause serializes racing closers: only
// the first write lands, the loser gets ErrAlreadyClosed.
func (r *Repository) CloseIncident(ctx context.Context, id string, closure incidents.Closure) error {
	query := `
		UPDATE incidents
		SET status = $1, ack_actor = $2, ack_actor_id = $3, ack_at = $4,
		    ack_seconds = $5, sla_status = $6, updated_at = now()
		WHERE id = $7 AND status <> $1
	`
	tag, err := r.db.Exec(ctx, query,
		domain.IncidentStatusAcknowledged,
		closure.Actor,
		closure.ActorID,
		closure.AckAt,
		closure.AckSeconds,
		closure.SLAStatus,
		id,
	)
	if err != nil {
		return fmt.Errorf("close incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the incident is gone or a concurrent closer won.
		var status domain.IncidentStatus
		err := r.db.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return incidents.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("close incident status check: %w", err)
		}
		return incidents.ErrAlreadyClosed
	}
	return nil
}

// UpdateRemediation writes remediation bookkeeping back to an incident.
// Only the fields set in the update are touched.
func (r *Repository) UpdateRemediation(ctx context.Context, id string, update incidents.RemediationUpdate) error {
	query := `UPDATE incidents SET remediation_state = $1, updated_at = now()`
	args := []interface{}{update.State}
	argPos := 2

	if update.RunID != nil {
		query += fmt.Sprintf(", remediation_run_id = $%d", argPos)
		args = append(args, *update.RunID)
		argPos++
	}
	if update.Attempts != nil {
		query += fmt.Sprintf(", remediation_attempts = $%d", argPos)
		args = append(args, *update.Attempts)
		argPos++
	}
	if update.LastAttemptAt != nil {
		query += fmt.Sprintf(", last_attempt_at = $%d", argPos)
		args = append(args, *update.LastAttemptAt)
		argPos++
	}
	if update.Status != nil {
		query += fmt.Sprintf(", status = $%d", argPos)
		args = append(args, *update.Status)
		argPos++
	}

	query += fmt.Sprintf(" WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update remediation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrNotFound
	}
	return nil
}

// CreateAttempt inserts a remediation attempt row. The unique index on
// (incident_id, attempt_number) rejects duplicate attempt numbers.
func (r *Repository) CreateAttempt(ctx context.Context, attempt *domain.RemediationAttempt) error {
	query := `
		INSERT INTO remediation_attempts (
			id, incident_id, attempt_number, status, remediation_run,
			classification, action, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID,
		attempt.IncidentID,
		attempt.Number,
		attempt.Status,
		attempt.RemediationRun,
		attempt.Classification,
		attempt.Action,
		attempt.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return incidents.ErrAttemptExists
		}
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

// CompleteAttempt records an attempt's terminal status.
func (r *Repository) CompleteAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, failureReason *string, completedAt time.Time) error {
	query := `
		UPDATE remediation_attempts
		SET status = $1, failure_reason = $2, completed_at = $3,
		    duration_seconds = EXTRACT(EPOCH FROM ($3 - started_at))::bigint
		WHERE id = $4
	`
	tag, err := r.db.Exec(ctx, query, status, failureReason, completedAt, attemptID)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrNotFound
	}
	return nil
}

// ListAttempts retrieves all remediation attempts for an incident in
// attempt order.
func (r *Repository) ListAttempts(ctx context.Context, incidentID string) ([]*domain.RemediationAttempt, error) {
	query := `
		SELECT id, incident_id, attempt_number, status, remediation_run,
		       classification, action, started_at, completed_at, duration_seconds, failure_reason
		FROM remediation_attempts
		WHERE incident_id = $1
		ORDER BY attempt_number
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.RemediationAttempt, 0)
	for rows.Next() {
		var attempt domain.RemediationAttempt
		var durationSeconds *int64
		err := rows.Scan(
			&attempt.ID,
			&attempt.IncidentID,
			&attempt.Number,
			&attempt.Status,
			&attempt.RemediationRun,
			&attempt.Classification,
			&attempt.Action,
			&attempt.StartedAt,
			&attempt.CompletedAt,
			&durationSeconds,
			&attempt.FailureReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if durationSeconds != nil {
			d := time.Duration(*durationSeconds) * time.Second
			attempt.Duration = &d
		}
		result = append(result, &attempt)
	}
	return result, rows.Err()
}

// AppendAudit inserts an append-only audit entry.
func (r *Repository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO audit_trail (
			incident_id, action, pipeline, run_id, actor, actor_id,
			time_taken_seconds, mttr_minutes, sla_status, summary, details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	return r.db.QueryRow(ctx, query,
		entry.IncidentID,
		entry.Action,
		entry.Pipeline,
		entry.RunID,
		entry.Actor,
		entry.ActorID,
		entry.TimeTaken,
		entry.MTTRMinutes,
		entry.SLAStatus,
		entry.Summary,
		entry.Details,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// ListAudit retrieves audit entries, newest first.
func (r *Repository) ListAudit(ctx context.Context, filters incidents.AuditFilters) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, incident_id, action, pipeline, run_id, actor, actor_id,
		       time_taken_seconds, mttr_minutes, sla_status, summary, details, created_at
		FROM audit_trail
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1

	if filters.IncidentID != "" {
		query += fmt.Sprintf(" AND incident_id = $%d", argPos)
		args = append(args, filters.IncidentID)
		argPos++
	}
	if filters.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argPos)
		args = append(args, filters.Action)
		argPos++
	}

	query += " ORDER BY id DESC"
	limit := filters.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.AuditEntry, 0)
	for rows.Next() {
		var entry domain.AuditEntry
		err := rows.Scan(
			&entry.ID,
			&entry.IncidentID,
			&entry.Action,
			&entry.Pipeline,
			&entry.RunID,
			&entry.Actor,
			&entry.ActorID,
			&entry.TimeTaken,
			&entry.MTTRMinutes,
			&entry.SLAStatus,
			&entry.Summary,
			&entry.Details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}

// Summary aggregates fleet-wide counters in a single round trip.
func (r *Repository) Summary(ctx context.Context) (*incidents.Summary, error) {
	query := `
		SELECT
			(SELECT count(*) FROM incidents),
			(SELECT count(*) FROM incidents WHERE status <> 'acknowledged'),
			(SELECT count(*) FROM incidents WHERE status = 'acknowledged'),
			(SELECT count(*) FROM incidents WHERE sla_status = 'Breached'),
			(SELECT coalesce(round(avg(ack_seconds)::numeric, 2), 0) FROM incidents WHERE ack_seconds IS NOT NULL),
			(SELECT count(*) FROM incidents WHERE remediation_state = 'succeeded'),
			(SELECT count(*) FROM audit_trail)
	`
	var s incidents.Summary
	err := r.db.QueryRow(ctx, query).Scan(
		&s.TotalIncidents,
		&s.OpenIncidents,
		&s.Acknowledged,
		&s.SLABreached,
		&s.AvgAckSeconds,
		&s.AutoRemediated,
		&s.TotalAuditRows,
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	if s.AvgAckSeconds > 0 {
		s.MTTRMinutes = float64(int(s.AvgAckSeconds/60*10)) / 10
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanIncident(row rowScanner) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(
		&incident.ID,
		&incident.RunID,
		&incident.Pipeline,
		&incident.Source,
		&incident.Classification,
		&incident.Severity,
		&incident.Priority,
		&incident.RootCause,
		&incident.Recommendations,
		&incident.Confidence,
		&incident.AffectedEntity,
		&incident.Status,
		&incident.SLASeconds,
		&incident.SLAStatus,
		&incident.OwnerTeam,
		&incident.Owner,
		&incident.CostCenter,
		&incident.RemediationState,
		&incident.RemediationRunID,
		&incident.RemediationAttempts,
		&incident.LastAttemptAt,
		&incident.AckActor,
		&incident.AckActorID,
		&incident.AckAt,
		&incident.AckSeconds,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return &incident, nil
}
