package codemonitor

import (
	"context"
	"testing"
	"time"

	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL_SubstitutesQuestionAndSessionID(t *testing.T) {
	url := buildURL("http://x/editor?question_id={question_id}&session_id={session_id}", "sess-1", "q-42")
	assert.Equal(t, "http://x/editor?question_id=q-42&session_id=sess-1", url)
}

func TestParseTestResult(t *testing.T) {
	cases := []struct {
		text       string
		wantState  models.TestState
		wantPassed int
		wantTotal  int
	}{
		{"", models.TestUnknown, 0, 0},
		{"Running tests...", models.TestRunning, 0, 0},
		{"3/5 passed", models.TestPassed, 3, 5},
		{"2/5 failed", models.TestFailed, 2, 5},
		{"5/5 passed", models.TestPassed, 5, 5},
	}
	for _, c := range cases {
		state, passed, total := parseTestResult(c.text)
		assert.Equal(t, c.wantState, state, c.text)
		assert.Equal(t, c.wantPassed, passed, c.text)
		assert.Equal(t, c.wantTotal, total, c.text)
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *eventbus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := eventbus.New(ctx)
	m := &Monitor{
		pollingInterval:     time.Second,
		inactivityThreshold: 50 * time.Millisecond,
		bus:                 bus,
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
	return m, bus
}

func recvEvent(t *testing.T, bus *eventbus.Bus) eventbus.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestMonitor_FirstSnapshotPublishesCodeChangedOnly(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now()
	m.applySnapshot(models.CodeSnapshot{T: now, EditorText: "package main", QuestionID: "q1"})

	ev := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindCodeChanged, ev.Kind)
}

func TestMonitor_UnchangedSnapshotPublishesNothing(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now()
	snap := models.CodeSnapshot{T: now, EditorText: "package main", QuestionID: "q1"}
	m.applySnapshot(snap)
	recvEvent(t, bus) // CODE_CHANGED for the first snapshot

	m.applySnapshot(models.CodeSnapshot{T: now.Add(time.Millisecond), EditorText: "package main", QuestionID: "q1"})

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no event, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_SubmitEdgeFiresOnlyOnFalseToTrueTransition(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now()
	m.applySnapshot(models.CodeSnapshot{T: now, EditorText: "a", QuestionID: "q1", SubmitInFlight: false})
	recvEvent(t, bus) // CODE_CHANGED

	m.applySnapshot(models.CodeSnapshot{T: now.Add(time.Millisecond), EditorText: "b", QuestionID: "q1", SubmitInFlight: true})
	first := recvEvent(t, bus) // CODE_CHANGED
	assert.Equal(t, eventbus.KindCodeChanged, first.Kind)
	second := recvEvent(t, bus) // SUBMIT_DETECTED
	assert.Equal(t, eventbus.KindSubmitDetected, second.Kind)

	// Submit stays in flight: no repeated SUBMIT_DETECTED.
	m.applySnapshot(models.CodeSnapshot{T: now.Add(2 * time.Millisecond), EditorText: "c", QuestionID: "q1", SubmitInFlight: true})
	third := recvEvent(t, bus) // CODE_CHANGED only
	assert.Equal(t, eventbus.KindCodeChanged, third.Kind)

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no further submit event, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_TestStateTransitionPublishesTestResult(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now()
	m.applySnapshot(models.CodeSnapshot{T: now, EditorText: "a", QuestionID: "q1", TestState: models.TestUnknown})
	recvEvent(t, bus)

	m.applySnapshot(models.CodeSnapshot{T: now.Add(time.Millisecond), EditorText: "a", QuestionID: "q1", TestState: models.TestPassed, PassedCount: 5, TotalCount: 5})
	ev := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindTestResult, ev.Kind)
	assert.Equal(t, "passed_k_of_n", ev.Payload["test_state"])
}

func TestMonitor_InactivityFiresOnceThenRearmsAfterChange(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now()
	m.applySnapshot(models.CodeSnapshot{T: now, EditorText: "a", QuestionID: "q1"})
	recvEvent(t, bus) // CODE_CHANGED

	// Same snapshot repeated past the inactivity threshold: exactly one
	// INACTIVITY event, no repeats.
	idleAt := now.Add(100 * time.Millisecond)
	m.applySnapshot(models.CodeSnapshot{T: idleAt, EditorText: "a", QuestionID: "q1"})
	ev := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindInactivity, ev.Kind)

	stillIdleAt := idleAt.Add(100 * time.Millisecond)
	m.applySnapshot(models.CodeSnapshot{T: stillIdleAt, EditorText: "a", QuestionID: "q1"})
	select {
	case got := <-bus.Events():
		t.Fatalf("expected INACTIVITY to stay re-armed, got %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	// A real change re-arms inactivity detection.
	m.applySnapshot(models.CodeSnapshot{T: stillIdleAt.Add(time.Millisecond), EditorText: "b", QuestionID: "q1"})
	changeEv := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindCodeChanged, changeEv.Kind)

	idleAgain := stillIdleAt.Add(200 * time.Millisecond)
	m.applySnapshot(models.CodeSnapshot{T: idleAgain, EditorText: "b", QuestionID: "q1"})
	secondInactivity := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindInactivity, secondInactivity.Kind)
}

func TestMonitor_SelectorMissThresholdRaisesEditorStale(t *testing.T) {
	m, bus := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < maxConsecutiveSelectorMisses; i++ {
		m.handleSampleError(ctx, assertError{"element not found"})
	}

	ev := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindSystemWarning, ev.Kind)
	assert.Equal(t, "editor_stale", ev.Payload["error_kind"])
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestMonitor_NavigationLossFailsAfterReconnectAlreadyAttempted(t *testing.T) {
	m, bus := newTestMonitor(t)
	m.sessionID, m.questionID = "sess-1", "q1"
	// Simulate a reconnect already having been tried this navigation-loss
	// episode, so handleSampleError must give up rather than retry
	// indefinitely; exercising the real reconnect path requires an actual
	// browser and belongs in an integration test, not this unit test.
	m.reconnectedOnce = true
	ctx := context.Background()

	m.handleSampleError(ctx, assertError{"navigate to editor: context deadline exceeded"})

	ev := recvEvent(t, bus)
	assert.Equal(t, eventbus.KindSystemError, ev.Kind)
	require.Equal(t, "navigation_loss", ev.Payload["error_kind"])
}
