// Package slack posts incident events to a Slack channel via the Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
)

const postMessageURL = "https://slack.com/api/chat.postMessage"

// Sender posts incident events as Block Kit messages.
type Sender struct {
	token   string
	channel string
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender creates a Slack sender.
// Returns error if enabled but required config is missing.
func NewSender(cfg config.SlackConfig) (*Sender, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack sender: bot token is required when enabled")
	}
	if cfg.Channel == "" {
		return nil, errors.New("slack sender: channel is required when enabled")
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		// chat.postMessage is rate limited to roughly one message per
		// second per channel.
		rps = 1
	}

	slog.Info("slack sender configured", "channel", cfg.Channel, "rate_limit", rps)

	return &Sender{
		token:   cfg.Token,
		channel: cfg.Channel,
		apiURL:  postMessageURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Name returns the sink name.
func (s *Sender) Name() string { return "slack" }

type block map[string]interface{}

func text(kind, t string) block {
	return block{"type": kind, "text": t}
}

// Notify posts the event to the configured channel.
func (s *Sender) Notify(ctx context.Context, event domain.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload := map[string]interface{}{
		"channel": s.channel,
		"text":    fmt.Sprintf("Incident %s: %s", event.IncidentID, event.Type),
		"blocks":  buildBlocks(event),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(raw))
	}

	var apiResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("slack api error: %s", apiResp.Error)
	}
	return nil
}

func buildBlocks(event domain.Event) []block {
	header := headerText(event)
	blocks := []block{
		{"type": "header", "text": text("plain_text", header)},
		{"type": "section", "text": text("mrkdwn", fmt.Sprintf(
			"*Incident:* `%s`\n*Pipeline:* `%s`\n*Error Type:* `%s`",
			event.IncidentID, event.Pipeline, orNA(event.Classification)))},
	}

	if event.RootCause != "" {
		blocks = append(blocks, block{"type": "section", "text": text("mrkdwn",
			fmt.Sprintf("*Root Cause:* %s", event.RootCause))})
	}
	if event.Attempt > 0 {
		attempt := fmt.Sprintf("*Attempt:* %d", event.Attempt)
		if event.MaxRetries > 0 {
			attempt = fmt.Sprintf("*Attempt:* %d/%d", event.Attempt, event.MaxRetries)
		}
		blocks = append(blocks, block{"type": "section", "text": text("mrkdwn", attempt)})
	}
	if event.Message != "" {
		blocks = append(blocks, block{"type": "context", "elements": []block{
			text("mrkdwn", event.Message),
		}})
	}
	return blocks
}

func headerText(event domain.Event) string {
	switch event.Type {
	case domain.EventIncidentCreated:
		return fmt.Sprintf("ALERT: %s - %s (%s)", event.Pipeline, event.Severity, event.Priority)
	case domain.EventIncidentAcknowledged:
		return fmt.Sprintf("%s - CLOSED", event.Pipeline)
	case domain.EventRemediationStarted:
		return fmt.Sprintf("AUTO-HEAL STARTED: %s", event.Pipeline)
	case domain.EventRemediationRetry:
		return fmt.Sprintf("AUTO-HEAL RETRY: %s", event.Pipeline)
	case domain.EventRemediationSucceeded:
		return fmt.Sprintf("AUTO-HEALED: %s", event.Pipeline)
	case domain.EventRemediationTimeout:
		return fmt.Sprintf("AUTO-HEAL TIMEOUT: %s", event.Pipeline)
	case domain.EventRemediationEscalated:
		return fmt.Sprintf("ESCALATED: %s needs manual attention", event.Pipeline)
	default:
		return fmt.Sprintf("%s: %s", event.Type, event.Pipeline)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
