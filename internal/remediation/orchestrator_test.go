package remediation

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
	"github.com/aiops-lab/autoremedy/internal/incidents"
)

// fakeClock advances instantly and records every sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err() == nil
}

func (c *fakeClock) backoffs() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []time.Duration
	for _, d := range c.sleeps {
		if d >= time.Second {
			result = append(result, d)
		}
	}
	return result
}

type attemptCompletion struct {
	attemptID string
	status    domain.AttemptStatus
	reason    *string
}

// fakeStore implements IncidentStore for testing.
type fakeStore struct {
	incident *domain.Incident
	getErr   error

	attempts    []*domain.RemediationAttempt
	attemptErr  error
	completions []attemptCompletion
	updates     []incidents.RemediationUpdate
	audits      []*domain.AuditEntry
}

func (s *fakeStore) GetIncident(_ context.Context, _ string) (*domain.Incident, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	snapshot := *s.incident
	return &snapshot, nil
}

func (s *fakeStore) CreateAttempt(_ context.Context, attempt *domain.RemediationAttempt) error {
	if s.attemptErr != nil {
		return s.attemptErr
	}
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *fakeStore) CompleteAttempt(_ context.Context, attemptID string, status domain.AttemptStatus, reason *string, _ time.Time) error {
	s.completions = append(s.completions, attemptCompletion{attemptID: attemptID, status: status, reason: reason})
	return nil
}

func (s *fakeStore) UpdateRemediation(_ context.Context, _ string, update incidents.RemediationUpdate) error {
	s.updates = append(s.updates, update)
	s.incident.RemediationState = update.State
	if update.Attempts != nil {
		s.incident.RemediationAttempts = *update.Attempts
	}
	if update.Status != nil {
		s.incident.Status = *update.Status
	}
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	s.audits = append(s.audits, entry)
	return nil
}

func (s *fakeStore) auditActions() []string {
	actions := make([]string, 0, len(s.audits))
	for _, entry := range s.audits {
		actions = append(actions, entry.Action)
	}
	return actions
}

// fakeAcknowledger implements Acknowledger for testing.
type fakeAcknowledger struct {
	calls   int
	actor   string
	actorID string
	store   *fakeStore
}

func (a *fakeAcknowledger) Acknowledge(_ context.Context, id string, actor, actorID string) (*domain.Incident, error) {
	a.calls++
	a.actor = actor
	a.actorID = actorID
	a.store.incident.Status = domain.IncidentStatusAcknowledged
	a.store.incident.SLAStatus = domain.SLAStatusMet
	snapshot := *a.store.incident
	return &snapshot, nil
}

// fakeTrigger implements Trigger for testing.
type fakeTrigger struct {
	errs  []error
	calls []TriggerRequest
}

func (t *fakeTrigger) Trigger(_ context.Context, _ string, req TriggerRequest) (*TriggerResult, error) {
	i := len(t.calls)
	t.calls = append(t.calls, req)
	if i < len(t.errs) && t.errs[i] != nil {
		return nil, t.errs[i]
	}
	return &TriggerResult{RunID: "rem-run-1"}, nil
}

// fakeStatusClient implements RunStatusClient with a scripted sequence.
// The last status repeats once the script runs out.
type fakeStatusClient struct {
	statuses []string
	calls    int
}

func (c *fakeStatusClient) RunStatus(_ context.Context, _ string) (string, string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	}
	return c.statuses[i], "", nil
}

type cycleEnv struct {
	store   *fakeStore
	ack     *fakeAcknowledger
	trigger *fakeTrigger
	clock   *fakeClock
	pub     *stubPublisher
	orch    *Orchestrator
}

type stubPublisher struct {
	events []domain.Event
}

func (p *stubPublisher) Publish(_ context.Context, event domain.Event) {
	p.events = append(p.events, event)
}

func (p *stubPublisher) eventTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

func testPolicies() domain.PolicyTable {
	return domain.PolicyTable{
		"GatewayTimeout": {
			Classification: "GatewayTimeout",
			Action:         "retry_pipeline",
			MaxRetries:     3,
			Backoff:        []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
			Endpoint:       "https://playbooks.internal/retry",
		},
		"ClusterMemoryExhausted": {
			Classification: "ClusterMemoryExhausted",
			Action:         "restart_cluster",
			MaxRetries:     2,
			Backoff:        []time.Duration{60 * time.Second},
			Endpoint:       "https://playbooks.internal/restart",
		},
		"NoEndpointError": {
			Classification: "NoEndpointError",
			Action:         "retry_pipeline",
			MaxRetries:     1,
		},
	}
}

func newCycleEnv(t *testing.T, incident *domain.Incident, runStatuses []string) *cycleEnv {
	t.Helper()

	store := &fakeStore{incident: incident}
	ack := &fakeAcknowledger{store: store}
	trigger := &fakeTrigger{}
	clock := newFakeClock()
	pub := &stubPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor := NewMonitor(
		&fakeStatusClient{statuses: runStatuses},
		time.Millisecond,
		time.Second,
		clock,
	)

	orch := NewOrchestrator(store, ack, testPolicies(), trigger, monitor, pub, clock, true, logger)
	return &cycleEnv{store: store, ack: ack, trigger: trigger, clock: clock, pub: pub, orch: orch}
}

func openIncident(classification string) *domain.Incident {
	return &domain.Incident{
		ID:             "ADF-20260301T120000-abc123",
		Pipeline:       "etl-load",
		Source:         domain.SourceDataFactory,
		Classification: classification,
		Severity:       domain.SeverityHigh,
		Priority:       domain.PriorityP2,
		Status:         domain.IncidentStatusOpen,
		SLASeconds:     1800,
	}
}

func TestRunCycle_SucceedsFirstAttempt(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), []string{RunStatusSucceeded})

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	require.Len(t, env.trigger.calls, 1)
	assert.Equal(t, "retry_pipeline", env.trigger.calls[0].Action)
	assert.Equal(t, 1, env.trigger.calls[0].Attempt)

	require.Len(t, env.store.attempts, 1)
	assert.Equal(t, domain.AttemptStatusInProgress, env.store.attempts[0].Status)

	require.Len(t, env.store.completions, 1)
	assert.Equal(t, domain.AttemptStatusSucceeded, env.store.completions[0].status)

	assert.Equal(t, 1, env.ack.calls)
	assert.Equal(t, AutoHealActor, env.ack.actor)
	assert.Equal(t, AutoHealActorID, env.ack.actorID)
	assert.Equal(t, domain.RemediationStateSucceeded, env.store.incident.RemediationState)

	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationTriggered)
	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationSucceeded)
	assert.Equal(t, []domain.EventType{domain.EventRemediationStarted, domain.EventRemediationSucceeded}, env.pub.eventTypes())

	assert.Empty(t, env.clock.backoffs(), "first attempt must not wait")
}

func TestRunCycle_RetriesThenSucceeds(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), []string{RunStatusFailed, RunStatusSucceeded})

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	require.Len(t, env.trigger.calls, 2)
	assert.Equal(t, 2, env.trigger.calls[1].Attempt)
	require.Len(t, env.store.attempts, 2)

	// Only the wait before attempt 2 comes from the backoff table.
	assert.Equal(t, []time.Duration{30 * time.Second}, env.clock.backoffs())

	assert.Equal(t, 1, env.ack.calls)
	assert.Equal(t, domain.RemediationStateSucceeded, env.store.incident.RemediationState)
	assert.Contains(t, env.pub.eventTypes(), domain.EventRemediationRetry)
}

func TestRunCycle_ExhaustsRetriesAndEscalates(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), []string{RunStatusFailed})

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	// MaxRetries is 3: three triggered attempts, then escalation.
	require.Len(t, env.trigger.calls, 3)
	require.Len(t, env.store.attempts, 3)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, env.clock.backoffs())

	assert.Equal(t, 0, env.ack.calls)
	assert.Equal(t, domain.RemediationStateExhausted, env.store.incident.RemediationState)
	assert.Equal(t, domain.IncidentStatusOpen, env.store.incident.Status, "escalation must reopen the incident")

	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
	assert.Contains(t, env.pub.eventTypes(), domain.EventRemediationEscalated)
}

func TestRunCycle_NoPolicyLeavesIncidentUntouched(t *testing.T) {
	env := newCycleEnv(t, openIncident("UserErrorColumnNameInvalid"), []string{RunStatusSucceeded})

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	assert.Empty(t, env.trigger.calls)
	assert.Empty(t, env.store.attempts)
	assert.Empty(t, env.store.updates, "absent policy must not mutate incident state")
	assert.Empty(t, env.pub.events)
	assert.Equal(t, []string{domain.AuditRemediationNotEligible}, env.store.auditActions())
}

func TestRunCycle_PolicyWithoutEndpointIsNotEligible(t *testing.T) {
	env := newCycleEnv(t, openIncident("NoEndpointError"), []string{RunStatusSucceeded})

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	assert.Empty(t, env.trigger.calls)
	assert.Empty(t, env.store.updates)
	assert.Equal(t, []string{domain.AuditRemediationNotEligible}, env.store.auditActions())
}

func TestRunCycle_ClosedIncidentAborts(t *testing.T) {
	incident := openIncident("GatewayTimeout")
	incident.Status = domain.IncidentStatusAcknowledged
	env := newCycleEnv(t, incident, []string{RunStatusSucceeded})

	env.orch.runCycle(context.Background(), incident.ID, 1)

	assert.Empty(t, env.trigger.calls)
	assert.Empty(t, env.store.attempts)
	assert.Empty(t, env.store.audits)
}

func TestRunCycle_MonitorTimeoutStopsWithoutRetry(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), []string{RunStatusInProgress})

	// Tighten the monitor so it times out after two polls.
	env.orch.monitor = NewMonitor(
		&fakeStatusClient{statuses: []string{RunStatusInProgress}},
		time.Millisecond,
		2*time.Millisecond,
		env.clock,
	)

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	require.Len(t, env.trigger.calls, 1, "timeout must not spawn a retry")
	require.Len(t, env.store.completions, 1)
	assert.Equal(t, domain.AttemptStatusTimeout, env.store.completions[0].status)

	assert.Equal(t, domain.RemediationStateTimeout, env.store.incident.RemediationState)
	assert.Equal(t, 0, env.ack.calls)
	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationTimeout)
	assert.NotContains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
	assert.Contains(t, env.pub.eventTypes(), domain.EventRemediationTimeout)
}

// ackDuringPollClient acknowledges the incident out of band before
// reporting the run's status, simulating an operator closing the
// incident while the monitor loop waits.
type ackDuringPollClient struct {
	store  *fakeStore
	status string
}

func (c *ackDuringPollClient) RunStatus(_ context.Context, _ string) (string, string, error) {
	c.store.incident.Status = domain.IncidentStatusAcknowledged
	return c.status, "", nil
}

func TestRunCycle_ManualAckDuringMonitorBlocksEscalation(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), nil)
	env.orch.monitor = NewMonitor(
		&ackDuringPollClient{store: env.store, status: RunStatusFailed},
		time.Millisecond,
		time.Second,
		env.clock,
	)

	// Final allowed attempt fails after the operator acknowledged.
	env.orch.runCycle(context.Background(), env.store.incident.ID, 3)

	assert.Equal(t, domain.IncidentStatusAcknowledged, env.store.incident.Status,
		"manual acknowledgment must not be overwritten by escalation")
	assert.NotContains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
	assert.NotContains(t, env.pub.eventTypes(), domain.EventRemediationEscalated)
	for _, update := range env.store.updates {
		assert.NotEqual(t, domain.RemediationStateExhausted, update.State)
	}

	// The failed attempt itself is still recorded.
	require.Len(t, env.store.completions, 1)
	assert.Equal(t, domain.AttemptStatusFailed, env.store.completions[0].status)
}

func TestRunCycle_ManualAckDuringMonitorSkipsTimeoutState(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), nil)
	env.orch.monitor = NewMonitor(
		&ackDuringPollClient{store: env.store, status: RunStatusInProgress},
		time.Millisecond,
		2*time.Millisecond,
		env.clock,
	)

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	// The attempt row records the timeout, but the closed incident is
	// left alone.
	require.Len(t, env.store.completions, 1)
	assert.Equal(t, domain.AttemptStatusTimeout, env.store.completions[0].status)
	for _, update := range env.store.updates {
		assert.NotEqual(t, domain.RemediationStateTimeout, update.State)
	}
	assert.NotContains(t, env.pub.eventTypes(), domain.EventRemediationTimeout)
	assert.NotContains(t, env.store.auditActions(), domain.AuditRemediationTimeout)
}

func TestRunCycle_TriggerFailureCountsAsAttempt(t *testing.T) {
	env := newCycleEnv(t, openIncident("ClusterMemoryExhausted"), []string{RunStatusSucceeded})
	env.trigger.errs = []error{errors.New("playbook endpoint unreachable")}

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	// First trigger fails, second succeeds and heals.
	require.Len(t, env.trigger.calls, 2)
	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationFailed)
	assert.Equal(t, 1, env.ack.calls)

	// The failed trigger still occupies attempt 1, so stored attempt
	// numbers stay contiguous.
	require.Len(t, env.store.attempts, 2)
	assert.Equal(t, 1, env.store.attempts[0].Number)
	assert.Equal(t, domain.AttemptStatusFailed, env.store.attempts[0].Status)
	assert.Equal(t, 2, env.store.attempts[1].Number)
	require.NotEmpty(t, env.store.completions)
	assert.Equal(t, env.store.attempts[0].ID, env.store.completions[0].attemptID)
	require.NotNil(t, env.store.completions[0].reason)
	assert.Contains(t, *env.store.completions[0].reason, "unreachable")
}

func TestRunCycle_TriggerFailureOnFinalAttemptEscalates(t *testing.T) {
	env := newCycleEnv(t, openIncident("ClusterMemoryExhausted"), []string{RunStatusSucceeded})
	env.trigger.errs = []error{
		errors.New("playbook endpoint unreachable"),
		errors.New("playbook endpoint unreachable"),
	}

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	require.Len(t, env.trigger.calls, 2)
	assert.Equal(t, domain.RemediationStateExhausted, env.store.incident.RemediationState)
	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
}

func TestRunCycle_DuplicateAttemptExitsQuietly(t *testing.T) {
	env := newCycleEnv(t, openIncident("GatewayTimeout"), []string{RunStatusSucceeded})
	env.store.attemptErr = incidents.ErrAttemptExists

	env.orch.runCycle(context.Background(), env.store.incident.ID, 1)

	require.Len(t, env.trigger.calls, 1)
	assert.Empty(t, env.store.updates, "duplicate cycle must not touch remediation state")
	assert.Equal(t, 0, env.ack.calls)
	assert.NotContains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
}

func TestRunCycle_ResumesFromPersistedAttemptCount(t *testing.T) {
	incident := openIncident("GatewayTimeout")
	incident.RemediationAttempts = 3
	env := newCycleEnv(t, incident, []string{RunStatusSucceeded})

	// Attempt 4 exceeds MaxRetries 3.
	env.orch.runCycle(context.Background(), incident.ID, 4)

	assert.Empty(t, env.trigger.calls)
	assert.Equal(t, domain.RemediationStateExhausted, env.store.incident.RemediationState)
	assert.Contains(t, env.store.auditActions(), domain.AuditRemediationEscalated)
}

func TestStart_DisabledDoesNothing(t *testing.T) {
	incident := openIncident("GatewayTimeout")
	store := &fakeStore{incident: incident}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(store, &fakeAcknowledger{store: store}, testPolicies(),
		&fakeTrigger{}, nil, &stubPublisher{}, newFakeClock(), false, logger)

	orch.Start(incident)
	require.NoError(t, orch.Shutdown(context.Background()))

	assert.Empty(t, store.attempts)
	assert.Empty(t, store.audits)
}
