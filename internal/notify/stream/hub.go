// Package stream pushes incident events to dashboard clients over
// Server-Sent Events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// Hub is an in-process broadcaster. Slow subscribers get events dropped
// rather than blocking the publisher.
type Hub struct {
	bufferSize int

	mu   sync.Mutex
	subs map[chan domain.Event]struct{}
}

// NewHub creates an event hub.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		bufferSize: bufferSize,
		subs:       make(map[chan domain.Event]struct{}),
	}
}

// Name returns the sink name.
func (h *Hub) Name() string { return "stream" }

// Notify broadcasts the event to every connected subscriber.
func (h *Hub) Notify(_ context.Context, event domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop for this client.
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, h.bufferSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

type streamEvent struct {
	Event      string `json:"event"`
	IncidentID string `json:"incident_id"`
	Pipeline   string `json:"pipeline"`
	Status     string `json:"status,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Message    string `json:"message,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

// ServeHTTP streams events to the client as SSE until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.Subscribe()
	defer cancel()

	logger := ctxlog.FromContext(r.Context())
	logger.Debug("stream subscriber connected")

	// Heartbeat keeps intermediaries from closing an idle stream.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("stream subscriber disconnected")
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event := <-events:
			payload, err := json.Marshal(streamEvent{
				Event:      string(event.Type),
				IncidentID: event.IncidentID,
				Pipeline:   event.Pipeline,
				Status:     string(event.Status),
				Severity:   string(event.Severity),
				Priority:   string(event.Priority),
				Attempt:    event.Attempt,
				Actor:      event.Actor,
				Message:    event.Message,
				OccurredAt: event.OccurredAt.UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
