// Package conversation implements the Conversation Loop: the turn-taking
// state machine that fuses STT input, the Agent Runtime, and TTS output into
// one interview dialogue, publishing TURN_CANDIDATE and TURN_INTERVIEWER
// events as it goes.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/interviewcore/orchestrator/internal/agent"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
)

// fillerPhrases is the small deterministic pool played back to mask LLM
// latency above the configured threshold. Rotated round-robin rather than
// chosen randomly, so a session's behavior is reproducible from its log.
var fillerPhrases = []string{
	"Mm-hmm, let me think about that for a second.",
	"Interesting — give me just a moment.",
	"Okay, one second while I consider that.",
}

// Loop drives one session's dialogue: listening for a candidate utterance,
// asking the Agent Runtime for the interviewer's next turn, and speaking it
// back, with barge-in and filler-latency masking layered on top.
type Loop struct {
	sessionID string
	stt       STTStream
	tts       TTSPlayer
	runtime   *agent.Runtime
	bus       *eventbus.Bus
	logger    *slog.Logger
	metrics   *metrics.Collector

	endOfTurnSilence       time.Duration
	fillerLatencyThreshold time.Duration
	systemPrompt           func() string

	mu        sync.Mutex
	seq       int
	turns     []models.ConversationTurn
	fillerIdx int
}

// New builds a Loop. systemPrompt is invoked fresh for every turn so the
// caller can fold in running context (recent turns, nudge state) without the
// Loop needing to know how prompts are assembled. collector is optional; a
// nil collector simply disables timing.
func New(sessionID string, stt STTStream, tts TTSPlayer, runtime *agent.Runtime, bus *eventbus.Bus, logger *slog.Logger, collector *metrics.Collector, endOfTurnSilence, fillerLatencyThreshold time.Duration, systemPrompt func() string) *Loop {
	if systemPrompt == nil {
		systemPrompt = func() string { return "You are conducting a live technical interview." }
	}
	return &Loop{
		sessionID:              sessionID,
		stt:                    stt,
		tts:                    tts,
		runtime:                runtime,
		bus:                    bus,
		logger:                 logger,
		metrics:                collector,
		endOfTurnSilence:       endOfTurnSilence,
		fillerLatencyThreshold: fillerLatencyThreshold,
		systemPrompt:           systemPrompt,
	}
}

// Turns returns a copy of every committed turn so far.
func (l *Loop) Turns() []models.ConversationTurn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ConversationTurn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *Loop) nextSeq() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *Loop) recordTurn(t models.ConversationTurn) {
	l.mu.Lock()
	l.turns = append(l.turns, t)
	l.mu.Unlock()
}

func (l *Loop) nextFiller() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	phrase := fillerPhrases[l.fillerIdx%len(fillerPhrases)]
	l.fillerIdx++
	return phrase
}

// Run drives listening -> thinking -> speaking -> listening until ctx is
// cancelled, the interviewer signals intent "close", or the STT stream ends
// for good (reconnect exhausted).
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		utterance, tStart, tEnd, confidence, ok := l.collectUtterance(ctx)
		if !ok {
			l.recordSystemTurn("candidate speech input unavailable; ending session")
			return nil
		}
		if strings.TrimSpace(utterance) == "" {
			continue
		}

		candidateTurn := l.commitCandidateTurn(utterance, tStart, tEnd, confidence)

		turn, interrupted, err := l.think(ctx, candidateTurn)
		if err != nil {
			l.recordSystemTurn("interviewer turn generation failed: " + err.Error())
			continue
		}
		if interrupted {
			continue
		}

		l.speak(ctx, turn)
		if turn.Intent == agent.IntentClose {
			return nil
		}
	}
}

// collectUtterance accumulates STT segments until the candidate's trailing
// silence after a final segment exceeds endOfTurnSilence, per the
// commit-on-silence contract. Returns ok=false if the stream ended.
func (l *Loop) collectUtterance(ctx context.Context) (text string, tStart, tEnd time.Time, confidence float64, ok bool) {
	collectStart := time.Now()
	var builder strings.Builder
	var timer *time.Timer
	segments := l.stt.Segments()

	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			return "", time.Time{}, time.Time{}, 0, false
		case seg, chOK := <-segments:
			if !chOK {
				return "", time.Time{}, time.Time{}, 0, false
			}
			if builder.Len() == 0 {
				tStart = seg.TStart
			}
			if seg.Text != "" {
				if builder.Len() > 0 {
					builder.WriteString(" ")
				}
				builder.WriteString(seg.Text)
			}
			tEnd = seg.TEnd
			confidence = seg.Confidence
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			if seg.IsFinal {
				timer = time.NewTimer(l.endOfTurnSilence)
			}
		case <-timerCh:
			if l.metrics != nil {
				l.metrics.RecordTiming(metrics.OpSTTSegment, time.Since(collectStart))
			}
			return builder.String(), tStart, tEnd, confidence, true
		}
	}
}

func (l *Loop) commitCandidateTurn(text string, tStart, tEnd time.Time, confidence float64) models.ConversationTurn {
	seq := l.nextSeq()
	turn := models.ConversationTurn{
		Seq:        seq,
		Role:       models.RoleCandidate,
		Text:       text,
		TStart:     tStart,
		TEnd:       tEnd,
		Confidence: &confidence,
	}
	l.recordTurn(turn)
	l.publish(eventbus.KindTurnCandidate, map[string]any{"seq": seq, "text": text, "confidence": confidence})
	return turn
}

func (l *Loop) recordSystemTurn(text string) {
	seq := l.nextSeq()
	turn := models.ConversationTurn{Seq: seq, Role: models.RoleSystem, Text: text}
	l.recordTurn(turn)
	l.publish(eventbus.KindSystemWarning, map[string]any{"seq": seq, "error_kind": "conversation", "detail": text})
}

// think asks the Agent Runtime for the interviewer's next turn, masking
// round-trip latency above fillerLatencyThreshold with a cached filler
// phrase. The second result is always false: think does not read STT
// segments, so candidate speech arriving while the answer is pending is left
// for the next collectUtterance.
func (l *Loop) think(ctx context.Context, candidateTurn models.ConversationTurn) (agent.InterviewerTurn, bool, error) {
	type result struct {
		resp agent.StructuredResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := l.runtime.Ask(ctx, agent.PromptSpec{
			System:       l.systemPrompt(),
			User:         candidateTurn.Text,
			ResponseType: agent.ResponseInterviewerTurn,
		})
		done <- result{resp, err}
	}()

	fillerTimer := time.NewTimer(l.fillerLatencyThreshold)
	defer fillerTimer.Stop()
	firedFiller := false

	for {
		select {
		case <-ctx.Done():
			return agent.InterviewerTurn{}, false, ctx.Err()
		case <-fillerTimer.C:
			if !firedFiller {
				firedFiller = true
				l.tts.Speak(ctx, l.nextFiller()) //nolint:errcheck // best-effort; failure degrades to silence
			}
		case r := <-done:
			if r.err != nil {
				return agent.InterviewerTurn{}, false, r.err
			}
			if r.resp.InterviewerTurn == nil {
				return agent.InterviewerTurn{}, false, nil
			}
			return *r.resp.InterviewerTurn, false, nil
		}
	}
}

// speak plays the interviewer's turn, watching for barge-in: a high
// confidence candidate segment arriving mid-playback cancels TTS. The
// recorded interviewer turn still carries the full utterance text and its
// TURN_INTERVIEWER event is flagged interrupted; the point where playback
// stopped is not recorded.
func (l *Loop) speak(ctx context.Context, turn agent.InterviewerTurn) {
	speakCtx, cancel := context.WithCancel(ctx)

	bargedIn := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case seg, ok := <-l.stt.Segments():
			if ok && seg.HighConfidence() {
				close(bargedIn)
				cancel()
			}
		case <-speakCtx.Done():
		}
	}()

	speakStart := time.Now()
	audioRef, err := l.tts.Speak(speakCtx, turn.Utterance)
	if l.metrics != nil {
		l.metrics.RecordTiming(metrics.OpTTSSynth, time.Since(speakStart))
	}
	cancel() // stop the barge-in watcher if playback finished on its own
	<-watchDone

	select {
	case <-bargedIn:
		seq := l.nextSeq()
		partial := models.ConversationTurn{Seq: seq, Role: models.RoleInterviewer, Text: turn.Utterance, AudioRef: audioRef}
		l.recordTurn(partial)
		l.publish(eventbus.KindTurnInterviewer, map[string]any{"seq": seq, "text": turn.Utterance, "intent": string(turn.Intent), "interrupted": true})
	default:
		seq := l.nextSeq()
		full := models.ConversationTurn{Seq: seq, Role: models.RoleInterviewer, Text: turn.Utterance, AudioRef: audioRef}
		l.recordTurn(full)
		payload := map[string]any{"seq": seq, "text": turn.Utterance, "intent": string(turn.Intent)}
		if err != nil {
			payload["tts_error"] = err.Error()
		}
		l.publish(eventbus.KindTurnInterviewer, payload)
	}
}

func (l *Loop) publish(kind eventbus.Kind, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.ProducerConversation, kind, payload)
}
