// Package analysis turns raw failure descriptions into structured
// root-cause findings using an ordered chain of LLM backends with a
// static fallback.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// ErrNoResult is returned by a backend that could not produce a usable
// finding. Backends fail closed: any upstream error, timeout or
// malformed response collapses into this boundary.
var ErrNoResult = errors.New("analysis: no result")

// Provider is a single analysis backend.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, description string, source domain.SourceKind) (*domain.Finding, error)
}

const (
	datafactoryErrorTypes = `[UserErrorSourceBlobNotExists, UserErrorColumnNameInvalid, GatewayTimeout,
HttpConnectionFailed, InternalServerError, UserErrorInvalidDataType, UserErrorSqlOperationFailed,
AuthenticationError, ThrottlingError, UnknownError]`

	databricksErrorTypes = `[DatabricksClusterStartFailure, DatabricksJobExecutionError, DatabricksNotebookExecutionError,
DatabricksLibraryInstallationError, DatabricksPermissionDenied, DatabricksResourceExhausted,
DatabricksDriverNotResponding, DatabricksSparkException, DatabricksTableNotFound,
DatabricksAuthenticationError, DatabricksTimeoutError, UnknownError]`
)

func serviceName(source domain.SourceKind) string {
	if source == domain.SourceDatabricks {
		return "Databricks"
	}
	return "Azure Data Factory"
}

func errorTypes(source domain.SourceKind) string {
	if source == domain.SourceDatabricks {
		return databricksErrorTypes
	}
	return datafactoryErrorTypes
}

// buildPrompt renders the RCA prompt shared by all LLM backends. The
// backends are instructed to answer with a single strict JSON object
// matching the Finding wire shape.
func buildPrompt(description string, source domain.SourceKind) string {
	service := serviceName(source)
	return fmt.Sprintf(`You are an expert AIOps Root Cause Analysis assistant for %[1]s.

CRITICAL: This error is from %[2]s, NOT from any other Azure service.
Analyze the following %[1]s failure message and provide a precise, data-driven Root Cause Analysis.

Your error_type MUST be a machine-readable code. Choose from this list:
%[3]s

Return a STRICT JSON object in this format (NO markdown, NO extra text, NO thinking tags):
{
  "root_cause": "Clear, concise explanation of what went wrong in %[1]s",
  "error_type": "...",
  "affected_entity": "Name of the specific resource/component that failed",
  "severity": "Critical|High|Medium|Low",
  "priority": "P1|P2|P3|P4",
  "confidence": "Very High|High|Medium|Low",
  "recommendations": ["Step 1: ...", "Step 2: ...", "Step 3: ..."],
  "auto_heal_possible": true
}

Severity Guidelines:
- Critical: Production data loss, complete service outage, security breach
- High: Major functionality broken, significant business impact
- Medium: Partial functionality affected, workarounds available
- Low: Minor issues, minimal business impact

Priority Guidelines:
- P1: Fix immediately (< 15 min)
- P2: Fix within 30 min
- P3: Fix within 2 hours
- P4: Fix within 24 hours

IMPORTANT: In your root_cause, explicitly mention "%[1]s".
Analyze logically and use only what is in the message. Be specific about
the affected entity (cluster name, job name, table name, etc).

Error Message:
"""[%[2]s] %[4]s"""`, service, strings.ToUpper(service), errorTypes(source), description)
}

// decodeFinding parses a backend response into a normalized finding.
// Reasoning models sometimes wrap the JSON in <think> tags or markdown
// fences; both are stripped before decoding.
func decodeFinding(raw, provider string) (*domain.Finding, error) {
	text := raw
	if idx := strings.LastIndex(text, "</think>"); idx >= 0 {
		text = text[idx+len("</think>"):]
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var f domain.Finding
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return nil, fmt.Errorf("decode finding: %w", err)
	}
	if f.RootCause == "" {
		return nil, fmt.Errorf("decode finding: empty root_cause")
	}
	f.Provider = provider
	f.Normalize()
	return &f, nil
}
