// Package domain contains shared domain models for incidents and remediation.
package domain

import (
	"strings"
	"time"
)

type IncidentStatus string

const (
	IncidentStatusOpen         IncidentStatus = "open"
	IncidentStatusInProgress   IncidentStatus = "in_progress"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
)

// IsValid reports whether s is one of the defined incident statuses.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusInProgress, IncidentStatusAcknowledged:
		return true
	}
	return false
}

// IsClosed reports whether the incident reached its terminal status.
func (s IncidentStatus) IsClosed() bool {
	return s == IncidentStatusAcknowledged
}

type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// PriorityForSeverity maps severity to priority, case-insensitively since
// analysis backends are not consistent about casing. Unrecognized
// severities default to P3.
func PriorityForSeverity(sev Severity) Priority {
	switch strings.ToLower(string(sev)) {
	case "critical":
		return PriorityP1
	case "high":
		return PriorityP2
	case "medium":
		return PriorityP3
	case "low":
		return PriorityP4
	}
	return PriorityP3
}

type SLAStatus string

const (
	SLAStatusPending  SLAStatus = "Pending"
	SLAStatusMet      SLAStatus = "Met"
	SLAStatusBreached SLAStatus = "Breached"
)

// RemediationState tracks where an incident stands in its remediation cycle.
type RemediationState string

const (
	RemediationStateNone          RemediationState = ""
	RemediationStateInProgress    RemediationState = "in_progress"
	RemediationStateSucceeded     RemediationState = "succeeded"
	RemediationStateTimeout       RemediationState = "timeout"
	RemediationStateExhausted     RemediationState = "max_retries_exceeded"
	RemediationStateNotRemediable RemediationState = "not_remediable"
)

// SourceKind identifies which platform the failure alert came from.
type SourceKind string

const (
	SourceDataFactory SourceKind = "datafactory"
	SourceDatabricks  SourceKind = "databricks"
)

// Incident is one tracked pipeline failure. RunID is the dedup key: when
// non-nil it maps to exactly one incident (enforced by a partial unique
// index in storage); nil run ids carry no uniqueness.
type Incident struct {
	ID              string
	RunID           *string
	Pipeline        string
	Source          SourceKind
	Classification  string
	Severity        Severity
	Priority        Priority
	RootCause       string
	Recommendations []string
	Confidence      string
	AffectedEntity  string
	Status          IncidentStatus
	SLASeconds      int
	SLAStatus       SLAStatus
	OwnerTeam       string
	Owner           string
	CostCenter      string

	RemediationState    RemediationState
	RemediationRunID    string
	RemediationAttempts int
	LastAttemptAt       *time.Time

	AckActor   string
	AckActorID string
	AckAt      *time.Time
	AckSeconds *int

	CreatedAt time.Time
	UpdatedAt time.Time
}
