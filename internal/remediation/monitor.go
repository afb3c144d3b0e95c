package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// Run statuses reported by the external orchestration platform.
const (
	RunStatusInProgress = "InProgress"
	RunStatusQueued     = "Queued"
	RunStatusSucceeded  = "Succeeded"
	RunStatusFailed     = "Failed"
	RunStatusCancelled  = "Cancelled"
)

// errUnauthorized marks a 401 from the status endpoint.
var errUnauthorized = errors.New("status endpoint unauthorized")

// RunStatusClient polls the state of one external remediation run.
type RunStatusClient interface {
	RunStatus(ctx context.Context, runID string) (status string, message string, err error)
}

// HTTPStatusClient polls an HTTP status endpoint authenticated with an
// OAuth2 client-credentials token.
type HTTPStatusClient struct {
	endpoint string
	client   *http.Client
	cc       *clientcredentials.Config

	mu sync.Mutex
	ts oauth2.TokenSource
}

// NewHTTPStatusClient creates a status poller. The endpoint template
// must contain a {run_id} placeholder.
func NewHTTPStatusClient(endpoint string, oauth config.OAuthConfig) *HTTPStatusClient {
	c := &HTTPStatusClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	if oauth.TokenURL != "" {
		c.cc = &clientcredentials.Config{
			ClientID:     oauth.ClientID,
			ClientSecret: oauth.ClientSecret,
			TokenURL:     oauth.TokenURL,
			Scopes:       oauth.Scopes,
		}
	}
	return c
}

type runStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RunStatus fetches the current status of a run. A 401 answer forces
// one token refresh and a single immediate retry.
func (c *HTTPStatusClient) RunStatus(ctx context.Context, runID string) (string, string, error) {
	status, message, err := c.fetch(ctx, runID)
	if errors.Is(err, errUnauthorized) {
		c.resetToken()
		status, message, err = c.fetch(ctx, runID)
	}
	return status, message, err
}

func (c *HTTPStatusClient) fetch(ctx context.Context, runID string) (string, string, error) {
	url := strings.ReplaceAll(c.endpoint, "{run_id}", runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("build status request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return "", "", fmt.Errorf("acquire token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", "", errUnauthorized
	case resp.StatusCode != http.StatusOK:
		return "", "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var rs runStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&rs); err != nil {
		return "", "", fmt.Errorf("decode status response: %w", err)
	}
	return rs.Status, rs.Message, nil
}

func (c *HTTPStatusClient) token(ctx context.Context) (string, error) {
	if c.cc == nil {
		return "", nil
	}
	c.mu.Lock()
	if c.ts == nil {
		c.ts = c.cc.TokenSource(context.Background())
	}
	ts := c.ts
	c.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// resetToken drops the cached token source so the next poll fetches a
// fresh token.
func (c *HTTPStatusClient) resetToken() {
	c.mu.Lock()
	c.ts = nil
	c.mu.Unlock()
}

// Outcome is the terminal result of watching one remediation run.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeTimeout
	OutcomeCanceledByShutdown
)

// Monitor watches an external run until it reaches a terminal status or
// the maximum wait elapses.
type Monitor struct {
	client       RunStatusClient
	pollInterval time.Duration
	maxDuration  time.Duration
	clock        Clock
}

// NewMonitor creates a run monitor.
func NewMonitor(client RunStatusClient, pollInterval, maxDuration time.Duration, clock Clock) *Monitor {
	return &Monitor{
		client:       client,
		pollInterval: pollInterval,
		maxDuration:  maxDuration,
		clock:        clock,
	}
}

// Watch polls the run status until terminal or timed out. Poll errors
// are logged and do not abort the loop; only the timeout does.
func (m *Monitor) Watch(ctx context.Context, runID string) (Outcome, string) {
	logger := ctxlog.FromContext(ctx)

	for elapsed := time.Duration(0); elapsed < m.maxDuration; elapsed += m.pollInterval {
		status, message, err := m.client.RunStatus(ctx, runID)
		switch {
		case err != nil:
			monitorPollsTotal.WithLabelValues("error").Inc()
			logger.Warn("run status poll failed", "run_id", runID, "error", err)
		case status == RunStatusSucceeded:
			monitorPollsTotal.WithLabelValues("succeeded").Inc()
			return OutcomeSucceeded, message
		case status == RunStatusFailed || status == RunStatusCancelled:
			monitorPollsTotal.WithLabelValues("failed").Inc()
			if message == "" {
				message = fmt.Sprintf("run ended with status %s", status)
			}
			return OutcomeFailed, message
		default:
			monitorPollsTotal.WithLabelValues("pending").Inc()
			logger.Debug("remediation run still pending", "run_id", runID, "status", status)
		}

		if !m.clock.Sleep(ctx, m.pollInterval) {
			return OutcomeCanceledByShutdown, "shutdown requested"
		}
	}
	return OutcomeTimeout, fmt.Sprintf("no terminal status within %s", m.maxDuration)
}
