package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffFor(t *testing.T) {
	policy := RemediationPolicy{
		Backoff: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt has no wait", attempt: 1, want: 0},
		{name: "second attempt uses first entry", attempt: 2, want: 30 * time.Second},
		{name: "third attempt uses second entry", attempt: 3, want: 60 * time.Second},
		{name: "fourth attempt uses third entry", attempt: 4, want: 120 * time.Second},
		{name: "past the table clamps to last entry", attempt: 9, want: 120 * time.Second},
		{name: "zero attempt has no wait", attempt: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.BackoffFor(tt.attempt))
		})
	}
}

func TestBackoffFor_EmptyTable(t *testing.T) {
	policy := RemediationPolicy{}
	assert.Equal(t, time.Duration(0), policy.BackoffFor(3))
}

func TestPriorityForSeverity(t *testing.T) {
	tests := []struct {
		severity Severity
		want     Priority
	}{
		{severity: SeverityCritical, want: PriorityP1},
		{severity: SeverityHigh, want: PriorityP2},
		{severity: SeverityMedium, want: PriorityP3},
		{severity: SeverityLow, want: PriorityP4},
		{severity: "CRITICAL", want: PriorityP1},
		{severity: "high", want: PriorityP2},
		{severity: "unknown", want: PriorityP3},
		{severity: "", want: PriorityP3},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityForSeverity(tt.severity))
		})
	}
}

func TestDefaultPolicies_KnownClassifications(t *testing.T) {
	table := DefaultPolicies()

	throttling, ok := table.Lookup("ThrottlingError")
	require.True(t, ok)
	assert.Equal(t, "retry_pipeline", throttling.Action)
	assert.Equal(t, 5, throttling.MaxRetries)
	assert.Len(t, throttling.Backoff, 5)

	cluster, ok := table.Lookup("DatabricksClusterStartFailure")
	require.True(t, ok)
	assert.Equal(t, "restart_cluster", cluster.Action)
	assert.Equal(t, 2, cluster.MaxRetries)

	_, ok = table.Lookup("SomethingNovel")
	assert.False(t, ok)
}

func TestIncidentStatus(t *testing.T) {
	assert.True(t, IncidentStatusOpen.IsValid())
	assert.True(t, IncidentStatusInProgress.IsValid())
	assert.True(t, IncidentStatusAcknowledged.IsValid())
	assert.False(t, IncidentStatus("closed").IsValid())

	assert.True(t, IncidentStatusAcknowledged.IsClosed())
	assert.False(t, IncidentStatusOpen.IsClosed())
	assert.False(t, IncidentStatusInProgress.IsClosed())
}
