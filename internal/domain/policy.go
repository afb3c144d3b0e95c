package domain

import "time"

// RemediationPolicy describes how failures of one classification are
// auto-remediated. Policies are loaded once at startup and immutable at
// runtime.
type RemediationPolicy struct {
	Classification string
	Action         string
	MaxRetries     int
	Backoff        []time.Duration
	Endpoint       string
}

// BackoffFor returns the delay to wait before the given attempt number.
// Attempt 1 incurs no wait; attempt n (n >= 2) waits Backoff[n-2],
// clamped to the last entry when the attempt number runs past the table.
func (p RemediationPolicy) BackoffFor(attempt int) time.Duration {
	if attempt <= 1 || len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 2
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// PolicyTable is a pure lookup from classification to policy. A missing
// classification means the failure is never auto-remediated.
type PolicyTable map[string]RemediationPolicy

// Lookup returns the policy for a classification, if any.
func (t PolicyTable) Lookup(classification string) (RemediationPolicy, bool) {
	p, ok := t[classification]
	return p, ok
}

// DefaultPolicies returns the built-in remediation playbook table.
// Endpoints are left empty and expected to come from configuration.
func DefaultPolicies() PolicyTable {
	retryPipeline := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	restart := []time.Duration{60 * time.Second, 180 * time.Second}

	return PolicyTable{
		"GatewayTimeout": {
			Classification: "GatewayTimeout",
			Action:         "retry_pipeline",
			MaxRetries:     3,
			Backoff:        retryPipeline,
		},
		"HttpConnectionFailed": {
			Classification: "HttpConnectionFailed",
			Action:         "retry_pipeline",
			MaxRetries:     3,
			Backoff:        retryPipeline,
		},
		"ThrottlingError": {
			Classification: "ThrottlingError",
			Action:         "retry_pipeline",
			MaxRetries:     5,
			Backoff: []time.Duration{
				30 * time.Second, 60 * time.Second, 120 * time.Second,
				300 * time.Second, 600 * time.Second,
			},
		},
		"DatabricksClusterStartFailure": {
			Classification: "DatabricksClusterStartFailure",
			Action:         "restart_cluster",
			MaxRetries:     2,
			Backoff:        restart,
		},
		"ClusterMemoryExhausted": {
			Classification: "ClusterMemoryExhausted",
			Action:         "restart_cluster",
			MaxRetries:     2,
			Backoff:        restart,
		},
		"DatabricksLibraryInstallationError": {
			Classification: "DatabricksLibraryInstallationError",
			Action:         "reinstall_libraries",
			MaxRetries:     2,
			Backoff:        restart,
		},
		"LibraryInstallationFailed": {
			Classification: "LibraryInstallationFailed",
			Action:         "reinstall_libraries",
			MaxRetries:     2,
			Backoff:        restart,
		},
		"DatabricksJobExecutionError": {
			Classification: "DatabricksJobExecutionError",
			Action:         "retry_job",
			MaxRetries:     3,
			Backoff:        retryPipeline,
		},
		"UserErrorSourceBlobNotExists": {
			Classification: "UserErrorSourceBlobNotExists",
			Action:         "check_upstream",
			MaxRetries:     2,
			Backoff:        []time.Duration{300 * time.Second, 600 * time.Second},
		},
	}
}
