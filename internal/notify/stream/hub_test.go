package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

func testEvent(id string) domain.Event {
	return domain.Event{
		Type:       domain.EventIncidentCreated,
		IncidentID: id,
		Pipeline:   "finance-daily-load",
		Priority:   domain.PriorityP2,
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func TestHub_BroadcastsToAllSubscribers(t *testing.T) {
	hub := NewHub(4)

	first, cancelFirst := hub.Subscribe()
	second, cancelSecond := hub.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	require.NoError(t, hub.Notify(context.Background(), testEvent("ADF-1")))

	for _, ch := range []<-chan domain.Event{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, "ADF-1", got.IncidentID)
		default:
			t.Fatal("expected a buffered event")
		}
	}
}

func TestHub_CancelRemovesSubscriber(t *testing.T) {
	hub := NewHub(4)

	_, cancel := hub.Subscribe()
	assert.Equal(t, 1, hub.subscriberCount())

	cancel()
	assert.Equal(t, 0, hub.subscriberCount())

	// Notify after cancel must not panic or block.
	require.NoError(t, hub.Notify(context.Background(), testEvent("ADF-2")))
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewHub(1)

	ch, cancel := hub.Subscribe()
	defer cancel()

	// Second event overflows the buffer and is dropped instead of
	// blocking the publisher.
	require.NoError(t, hub.Notify(context.Background(), testEvent("ADF-1")))
	require.NoError(t, hub.Notify(context.Background(), testEvent("ADF-2")))

	got := <-ch
	assert.Equal(t, "ADF-1", got.IncidentID)

	select {
	case extra := <-ch:
		t.Fatalf("expected overflow event to be dropped, got %s", extra.IncidentID)
	default:
	}
}

func TestHub_ServeHTTPStreamsEvents(t *testing.T) {
	hub := NewHub(4)
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForSubscriber(t, hub)
	require.NoError(t, hub.Notify(context.Background(), testEvent("DBX-9")))

	reader := bufio.NewReader(resp.Body)
	line := readDataLine(t, reader)

	var got streamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
	assert.Equal(t, "incident_created", got.Event)
	assert.Equal(t, "DBX-9", got.IncidentID)
	assert.Equal(t, "P2", got.Priority)
	assert.Equal(t, "2026-03-14T09:00:00Z", got.OccurredAt)

	cancel()
}

func waitForSubscriber(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readDataLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimRight(line, "\n")
		}
	}
}
