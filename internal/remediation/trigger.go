package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// ErrTriggerRejected marks a non-retryable trigger response (4xx or any
// other non-2xx, non-5xx status).
var ErrTriggerRejected = errors.New("remediation trigger rejected")

// TriggerRequest is the payload sent to the remediation playbook
// endpoint.
type TriggerRequest struct {
	IncidentID     string `json:"incident_id"`
	Pipeline       string `json:"pipeline_name"`
	Classification string `json:"error_type"`
	OriginalRunID  string `json:"original_run_id"`
	Action         string `json:"remediation_action"`
	Attempt        int    `json:"retry_attempt"`
	MaxRetries     int    `json:"max_retries"`
	Timestamp      string `json:"timestamp"`
}

// TriggerResult carries the external run handle returned by the
// playbook endpoint.
type TriggerResult struct {
	RunID string `json:"run_id"`
}

// Trigger invokes the external remediation playbook.
type Trigger interface {
	Trigger(ctx context.Context, endpoint string, req TriggerRequest) (*TriggerResult, error)
}

// HTTPTrigger posts the trigger payload over HTTP. Server-side (5xx)
// failures are retried with linear backoff; any other non-2xx response
// is final.
type HTTPTrigger struct {
	client  *http.Client
	retries int
	clock   Clock
}

// NewHTTPTrigger creates an HTTP trigger client.
func NewHTTPTrigger(timeout time.Duration, retries int, clock Clock) *HTTPTrigger {
	if retries < 1 {
		retries = 1
	}
	return &HTTPTrigger{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		clock:   clock,
	}
}

// Trigger posts the payload, retrying 5xx responses and transport
// errors up to the configured attempt count.
func (t *HTTPTrigger) Trigger(ctx context.Context, endpoint string, req TriggerRequest) (*TriggerResult, error) {
	logger := ctxlog.FromContext(ctx)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if attempt > 1 {
			triggerRetriesTotal.Inc()
			// Linear backoff between trigger retries.
			if !t.clock.Sleep(ctx, time.Duration(attempt-1)*time.Second) {
				return nil, ctx.Err()
			}
		}

		result, retryable, err := t.post(ctx, endpoint, body)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		logger.Warn("remediation trigger call failed",
			"endpoint", endpoint, "attempt", attempt, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("trigger exhausted %d attempts: %w", t.retries, lastErr)
}

func (t *HTTPTrigger) post(ctx context.Context, endpoint string, body []byte) (*TriggerResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Transport errors count as server-side failures.
		return nil, true, fmt.Errorf("trigger request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result TriggerResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, false, fmt.Errorf("decode trigger response: %w", err)
		}
		if result.RunID == "" {
			result.RunID = "N/A"
		}
		return &result, false, nil
	case resp.StatusCode >= 500:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, true, fmt.Errorf("trigger returned %d: %s", resp.StatusCode, string(payload))
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, false, fmt.Errorf("%w: status %d: %s", ErrTriggerRejected, resp.StatusCode, string(payload))
	}
}
