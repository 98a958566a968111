package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/interviewcore/orchestrator/internal/agent"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeSTT is a test double for STTStream, fed manually by test code.
type fakeSTT struct {
	segments chan Segment
}

func newFakeSTT() *fakeSTT { return &fakeSTT{segments: make(chan Segment, 16)} }

func (f *fakeSTT) Segments() <-chan Segment { return f.segments }
func (f *fakeSTT) Close() error             { close(f.segments); return nil }

func (f *fakeSTT) push(seg Segment) { f.segments <- seg }

// fakeTTS records every utterance it was asked to speak and can simulate a
// slow playback so barge-in can be exercised deterministically.
type fakeTTS struct {
	delay   time.Duration
	spoken  chan string
	failErr error
}

func newFakeTTS() *fakeTTS { return &fakeTTS{spoken: make(chan string, 16)} }

func (f *fakeTTS) Speak(ctx context.Context, utterance string) (string, error) {
	f.spoken <- utterance
	if f.failErr != nil {
		return "", f.failErr
	}
	select {
	case <-time.After(f.delay):
		return "ref-" + utterance, nil
	case <-ctx.Done():
		return "ref-" + utterance, ctx.Err()
	}
}

// scriptedModel returns one canned reply per GenerateContent call.
type scriptedModel struct {
	replies []string
	calls   int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	reply := m.replies[m.calls%len(m.replies)]
	m.calls++
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply}},
	}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newTestLoop(t *testing.T, stt STTStream, tts TTSPlayer, model llms.Model) (*Loop, *eventbus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := eventbus.New(ctx)
	rt := agent.NewRuntimeWithModel(model, 0, time.Second, metrics.NewCollector(), nil)
	loop := New("sess-1", stt, tts, rt, bus, nil, metrics.NewCollector(), 20*time.Millisecond, 500*time.Millisecond, nil)
	return loop, bus
}

func drainEvents(bus *eventbus.Bus, n int) []eventbus.Event {
	out := make([]eventbus.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-bus.Events():
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			return out
		}
	}
	return out
}

func TestLoop_CommitsUtteranceOnTrailingSilence(t *testing.T) {
	stt := newFakeSTT()
	tts := newFakeTTS()
	model := &scriptedModel{replies: []string{`{"utterance":"Tell me about your last role.","want_followup":true,"intent":"question"}`}}
	loop, bus := newTestLoop(t, stt, tts, model)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	now := time.Now()
	stt.push(Segment{Text: "I worked at Acme", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})

	events := drainEvents(bus, 2)
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.KindTurnCandidate, events[0].Kind)
	assert.Equal(t, eventbus.KindTurnInterviewer, events[1].Kind)

	turns := loop.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleCandidate, turns[0].Role)
	assert.Equal(t, "I worked at Acme", turns[0].Text)
	assert.Equal(t, models.RoleInterviewer, turns[1].Role)
	assert.Equal(t, "Tell me about your last role.", turns[1].Text)

	cancel()
	stt.Close()
	<-done
}

func TestLoop_ResetsSilenceTimerOnNewSegment(t *testing.T) {
	stt := newFakeSTT()
	tts := newFakeTTS()
	model := &scriptedModel{replies: []string{`{"utterance":"Go on.","want_followup":true,"intent":"probe"}`}}
	loop, bus := newTestLoop(t, stt, tts, model)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	now := time.Now()
	stt.push(Segment{Text: "I worked at", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})
	time.Sleep(10 * time.Millisecond) // less than the 20ms silence window
	stt.push(Segment{Text: "Acme Corp", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})

	events := drainEvents(bus, 2)
	require.Len(t, events, 2)
	assert.Equal(t, "I worked at Acme Corp", events[0].Payload["text"])

	cancel()
	stt.Close()
	<-done
}

func TestLoop_BargeInTruncatesInterviewerTurnAndReturnsToListening(t *testing.T) {
	stt := newFakeSTT()
	tts := newFakeTTS()
	tts.delay = 500 * time.Millisecond
	model := &scriptedModel{replies: []string{
		`{"utterance":"Let me walk you through the system design in detail.","want_followup":true,"intent":"question"}`,
		`{"utterance":"Understood, please continue.","want_followup":true,"intent":"nudge_ack"}`,
	}}
	loop, bus := newTestLoop(t, stt, tts, model)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	now := time.Now()
	stt.push(Segment{Text: "question please", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})

	candidateEvent := drainEvents(bus, 1)
	require.Len(t, candidateEvent, 1)
	assert.Equal(t, eventbus.KindTurnCandidate, candidateEvent[0].Kind)

	// Interviewer begins speaking (slow TTS); interrupt with a high-confidence
	// candidate segment before playback would otherwise finish.
	<-tts.spoken
	stt.push(Segment{Text: "wait, actually", IsFinal: false, TStart: now, TEnd: now, Confidence: 0.95})

	interviewerEvent := drainEvents(bus, 1)
	require.Len(t, interviewerEvent, 1)
	assert.Equal(t, eventbus.KindTurnInterviewer, interviewerEvent[0].Kind)
	assert.Equal(t, true, interviewerEvent[0].Payload["interrupted"])

	cancel()
	stt.Close()
	<-done
}

func TestLoop_PlaysFillerWhenLLMExceedsLatencyThreshold(t *testing.T) {
	stt := newFakeSTT()
	tts := newFakeTTS()
	loop, bus := newTestLoop(t, stt, tts, &slowOnceModel{delay: 50 * time.Millisecond, reply: `{"utterance":"Thanks for sharing.","want_followup":false,"intent":"question"}`})
	loop.fillerLatencyThreshold = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	now := time.Now()
	stt.push(Segment{Text: "my answer", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})

	first := <-tts.spoken
	assert.Contains(t, fillerPhrases, first)

	events := drainEvents(bus, 2)
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.KindTurnInterviewer, events[1].Kind)
	assert.Equal(t, "Thanks for sharing.", events[1].Payload["text"])

	cancel()
	stt.Close()
	<-done
}

// slowOnceModel delays its single reply long enough to trigger filler
// masking before answering.
type slowOnceModel struct {
	delay time.Duration
	reply string
}

func (m *slowOnceModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *slowOnceModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestLoop_ClosesOnCloseIntent(t *testing.T) {
	stt := newFakeSTT()
	tts := newFakeTTS()
	model := &scriptedModel{replies: []string{`{"utterance":"That concludes our interview, thank you.","want_followup":false,"intent":"close"}`}}
	loop, _ := newTestLoop(t, stt, tts, model)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	now := time.Now()
	stt.push(Segment{Text: "I think that's everything", IsFinal: true, TStart: now, TEnd: now, Confidence: 0.9})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on close intent")
	}
}
