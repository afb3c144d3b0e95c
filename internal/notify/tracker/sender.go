// Package tracker forwards incident events to an external ticket
// tracker webhook (ITSM bridge).
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
)

// Sender posts events as JSON to the tracker webhook URL.
type Sender struct {
	url    string
	client *http.Client
}

// NewSender creates a tracker webhook sender.
func NewSender(cfg config.TrackerConfig) (*Sender, error) {
	if cfg.URL == "" {
		return nil, errors.New("tracker sender: webhook url is required when enabled")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the sink name.
func (s *Sender) Name() string { return "tracker" }

type trackerPayload struct {
	Event          string `json:"event"`
	IncidentID     string `json:"incident_id"`
	Pipeline       string `json:"pipeline"`
	RunID          string `json:"run_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Severity       string `json:"severity,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Classification string `json:"error_type,omitempty"`
	RootCause      string `json:"root_cause,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	Actor          string `json:"actor,omitempty"`
	Message        string `json:"message,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

// Notify posts the event. Any non-2xx response is an error.
func (s *Sender) Notify(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(trackerPayload{
		Event:          string(event.Type),
		IncidentID:     event.IncidentID,
		Pipeline:       event.Pipeline,
		RunID:          event.RunID,
		Status:         string(event.Status),
		Severity:       string(event.Severity),
		Priority:       string(event.Priority),
		Classification: event.Classification,
		RootCause:      event.RootCause,
		Attempt:        event.Attempt,
		Actor:          event.Actor,
		Message:        event.Message,
		OccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("tracker returned %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
