package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// Fanout delivers each event to every registered sink in the
// background. Sink errors are logged and swallowed.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

// Publish hands the event to all sinks and returns immediately. The
// caller's context cancellation does not cut deliveries short; each
// sink gets its own timeout instead.
func (f *Fanout) Publish(ctx context.Context, event domain.Event) {
	base := context.WithoutCancel(ctx)
	for _, sink := range f.sinks {
		f.wg.Add(1)
		go func(sink Sink) {
			defer f.wg.Done()
			sinkCtx, cancel := context.WithTimeout(base, f.timeout)
			defer cancel()

			if err := sink.Notify(sinkCtx, event); err != nil {
				eventsDelivered.WithLabelValues(sink.Name(), "error").Inc()
				f.logger.Warn("event delivery failed",
					"sink", sink.Name(),
					"event", event.Type,
					"incident_id", event.IncidentID,
					"error", err)
				return
			}
			eventsDelivered.WithLabelValues(sink.Name(), "ok").Inc()
		}(sink)
	}
}

// Close waits for in-flight deliveries to finish.
func (f *Fanout) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
