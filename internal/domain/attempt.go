package domain

import "time"

type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "pending"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSucceeded  AttemptStatus = "succeeded"
	AttemptStatusFailed     AttemptStatus = "failed"
	AttemptStatusTimeout    AttemptStatus = "timeout"
)

// RemediationAttempt is one execution of a remediation action for an
// incident. Numbers are 1-based and contiguous per incident; at most one
// attempt per incident may be in_progress (enforced by attempt-number
// uniqueness plus the orchestrator's sequential cycle).
type RemediationAttempt struct {
	ID             string
	IncidentID     string
	Number         int
	Status         AttemptStatus
	RemediationRun string
	Classification string
	Action         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Duration       *time.Duration
	FailureReason  *string
}
