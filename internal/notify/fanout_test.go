package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// recordingSink implements Sink for testing.
type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Notify(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}
	fanout := NewFanout(testLogger(), time.Second, first, second)

	fanout.Publish(context.Background(), domain.Event{
		Type:       domain.EventIncidentCreated,
		IncidentID: "ADF-1",
	})

	require.NoError(t, fanout.Close(context.Background()))
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestFanout_FailingSinkDoesNotBlockOthers(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("sink unreachable")}
	healthy := &recordingSink{name: "healthy"}
	fanout := NewFanout(testLogger(), time.Second, broken, healthy)

	fanout.Publish(context.Background(), domain.Event{Type: domain.EventIncidentAcknowledged})

	require.NoError(t, fanout.Close(context.Background()))
	assert.Equal(t, 1, healthy.count())
}

func TestFanout_SurvivesCallerContextCancellation(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	fanout := NewFanout(testLogger(), time.Second, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A request context that already ended must not stop delivery.
	fanout.Publish(ctx, domain.Event{Type: domain.EventRemediationSucceeded})

	require.NoError(t, fanout.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestFanout_NoSinks(t *testing.T) {
	fanout := NewFanout(testLogger(), time.Second)

	fanout.Publish(context.Background(), domain.Event{Type: domain.EventIncidentCreated})

	assert.NoError(t, fanout.Close(context.Background()))
}
