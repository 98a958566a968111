package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interviewcore/orchestrator/internal/consolidator"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConversation struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
	runErr error
}

func (f *fakeConversation) Run(ctx context.Context) error {
	<-ctx.Done()
	return f.runErr
}

func (f *fakeConversation) Turns() []models.ConversationTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ConversationTurn, len(f.turns))
	copy(out, f.turns)
	return out
}

type fakeCodeMonitor struct {
	startErr error
	stopped  chan struct{}
	stopOnce sync.Once
}

func newFakeCodeMonitor() *fakeCodeMonitor {
	return &fakeCodeMonitor{stopped: make(chan struct{})}
}

func (f *fakeCodeMonitor) Start(ctx context.Context, sessionID, questionID string) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeCodeMonitor) Stop() error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

type fakeLieEngine struct {
	mu         sync.Mutex
	followups  []string
	evaluated  []models.ConversationTurn
	evalDelay  time.Duration
}

func (f *fakeLieEngine) Evaluate(ctx context.Context, turn models.ConversationTurn) (models.ClaimAnalysis, error) {
	if f.evalDelay > 0 {
		select {
		case <-time.After(f.evalDelay):
		case <-ctx.Done():
			return models.ClaimAnalysis{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.evaluated = append(f.evaluated, turn)
	f.mu.Unlock()
	return models.ClaimAnalysis{TurnSeq: turn.Seq, Verdict: models.VerdictConsistent}, nil
}

func (f *fakeLieEngine) RecordFollowup(text string) {
	f.mu.Lock()
	f.followups = append(f.followups, text)
	f.mu.Unlock()
}

func (f *fakeLieEngine) Flush() []models.Lie { return nil }

func (f *fakeLieEngine) snapshot() ([]string, []models.ConversationTurn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.followups...), append([]models.ConversationTurn(nil), f.evaluated...)
}

// testHarness wires a Controller whose Factory hands back fakes and exposes
// the bus each session gets, so tests can publish events as if the
// Conversation Loop or Code Monitor had produced them.
type testHarness struct {
	ctrl     *Controller
	conv     *fakeConversation
	monitor  *fakeCodeMonitor
	lie      *fakeLieEngine
	busCh    chan *eventbus.Bus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		conv:    &fakeConversation{},
		monitor: newFakeCodeMonitor(),
		lie:     &fakeLieEngine{},
		busCh:   make(chan *eventbus.Bus, 1),
	}
	factory := func(ctx context.Context, sess models.Session, questionID string, bus *eventbus.Bus) (Components, error) {
		h.busCh <- bus
		return Components{Conversation: h.conv, CodeMonitor: h.monitor, LieEngine: h.lie}, nil
	}
	scorer := consolidator.New(t.TempDir())
	h.ctrl = NewController(factory, scorer, t.TempDir(), time.Second, nil, metrics.NewCollector())
	return h
}

func (h *testHarness) bus(t *testing.T) *eventbus.Bus {
	t.Helper()
	select {
	case b := <-h.busCh:
		h.busCh <- b
		return b
	case <-time.After(time.Second):
		t.Fatal("factory was never invoked")
		return nil
	}
}

// baseRequest is a StartRequest that satisfies Validate; tests override only
// the fields they care about.
func baseRequest(d time.Duration) StartRequest {
	return StartRequest{
		Candidate:  models.Candidate{ID: "cand-1"},
		Mode:       models.ModeFriendly,
		Duration:   d,
		QuestionID: "q1",
	}
}

func TestController_StartThenStopProducesEndedOutcome(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)

	outcome, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, outcome.Status)
	assert.Equal(t, id, outcome.SessionID)
}

func TestController_StopIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)

	first, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	second, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestController_StartFailsWhenAlreadyRunning(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)
	defer h.ctrl.Stop(id)

	_, err = h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.Error(t, err)
}

func TestController_StartFailsOnNonPositiveDuration(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.ctrl.Start(context.Background(), baseRequest(0))
	require.Error(t, err)
}

func TestController_StartFailsOnMissingCandidateID(t *testing.T) {
	h := newTestHarness(t)
	req := baseRequest(time.Minute)
	req.Candidate = models.Candidate{}
	_, err := h.ctrl.Start(context.Background(), req)
	require.Error(t, err)
}

func TestController_SubmitPlusAllTestsPassedEndsSessionWithoutDeadline(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Hour))
	require.NoError(t, err)
	bus := h.bus(t)

	bus.Publish(eventbus.ProducerCodeMonitor, eventbus.KindSubmitDetected, map[string]any{"question_id": "q1"})
	bus.Publish(eventbus.ProducerCodeMonitor, eventbus.KindTestResult, map[string]any{
		"test_state": "passed_k_of_n", "passed": 5, "total": 5,
	})

	require.Eventually(t, func() bool {
		view, serr := h.ctrl.Status(id)
		return serr == nil && view.Status == models.StatusEnded
	}, 2*time.Second, 10*time.Millisecond, "session did not complete after acceptance signal")
	outcome, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, outcome.Status)
}

func TestController_DeadlineExpiryEndsSession(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(20*time.Millisecond))
	require.NoError(t, err)

	outcome, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, outcome.Status)
}

func TestController_FactoryFailureTransitionsToFailed(t *testing.T) {
	factory := func(ctx context.Context, sess models.Session, questionID string, bus *eventbus.Bus) (Components, error) {
		return Components{}, assertError("ingestion artifact missing")
	}
	scorer := consolidator.New(t.TempDir())
	ctrl := NewController(factory, scorer, t.TempDir(), time.Second, nil, metrics.NewCollector())

	id, err := ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)

	outcome, err := ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.NotEmpty(t, outcome.Error)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestController_CandidateTurnEventWiresLieDetectionEngine(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)
	bus := h.bus(t)

	bus.Publish(eventbus.ProducerConversation, eventbus.KindTurnCandidate, map[string]any{
		"seq": 1, "text": "I worked at Acme", "confidence": 0.9,
	})

	require.Eventually(t, func() bool {
		followups, evaluated := h.lie.snapshot()
		return len(followups) == 1 && len(evaluated) == 1
	}, time.Second, 10*time.Millisecond)

	_, err = h.ctrl.Stop(id)
	require.NoError(t, err)
}

func TestController_CodeMonitorStartFailureTransitionsToFailed(t *testing.T) {
	h := newTestHarness(t)
	h.monitor.startErr = assertError("could not launch browser")

	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)

	// The start failure is handled on its own goroutine; let it begin
	// termination before Stop, which would otherwise win the race.
	require.Eventually(t, func() bool {
		view, serr := h.ctrl.Status(id)
		return serr == nil && view.Status == models.StatusFailed
	}, time.Second, 10*time.Millisecond)

	outcome, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "could not launch browser")
}

func TestController_InactivityEventProducesNudgeDeliveredAndRecord(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.ctrl.Start(context.Background(), baseRequest(time.Minute))
	require.NoError(t, err)
	bus := h.bus(t)

	bus.Publish(eventbus.ProducerCodeMonitor, eventbus.KindInactivity, map[string]any{"idle_for_seconds": 95.0})

	// Give the controller's own consumer a moment to process the event
	// before shutdown drains it; Stop's Outcome carries whatever nudges
	// were recorded by then.
	time.Sleep(50 * time.Millisecond)

	outcome, err := h.ctrl.Stop(id)
	require.NoError(t, err)
	require.Len(t, outcome.Nudges, 1)
	assert.Equal(t, models.NudgeInactivity, outcome.Nudges[0].Kind)
}
