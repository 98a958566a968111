// Package session implements the Session Controller: the top-level state
// machine that owns a session's lifecycle, spawns the Conversation Loop and
// Code Monitor as cooperative tasks publishing to a shared Event Bus, fans
// bus events out to the event-log Recorder and the Lie-Detection Engine, and
// arbitrates how and when the session ends.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/consolidator"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/knowledgebase"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
)

var validate = validator.New()

// ConversationRunner is the subset of conversation.Loop the controller
// drives. Defined here (rather than depending on the conversation package's
// concrete type) so tests can inject a fake without any STT/TTS wiring.
type ConversationRunner interface {
	Run(ctx context.Context) error
	Turns() []models.ConversationTurn
}

// CodeRunner is the subset of codemonitor.Monitor the controller drives.
type CodeRunner interface {
	Start(ctx context.Context, sessionID, questionID string) error
	Stop() error
}

// LieEngine is the subset of liedetection.Engine the controller drives.
type LieEngine interface {
	Evaluate(ctx context.Context, turn models.ConversationTurn) (models.ClaimAnalysis, error)
	RecordFollowup(text string)
	Flush() []models.Lie
}

// Components bundles the per-session collaborators a Factory builds. A nil
// field is simply not driven (useful for tests exercising a subset).
type Components struct {
	KnowledgeBase *knowledgebase.KnowledgeBase
	Conversation  ConversationRunner
	CodeMonitor   CodeRunner
	LieEngine     LieEngine
}

// Factory builds the per-session component set once the controller has
// assigned a session_id. ctx bounds only the build step (knowledge base
// ingestion, STT/TTS dial, browser launch); it is not the session's
// lifetime context.
type Factory func(ctx context.Context, sess models.Session, questionID string, bus *eventbus.Bus) (Components, error)

// StartRequest is the input to Controller.Start.
type StartRequest struct {
	Candidate      models.Candidate `validate:"required"`
	Mode           models.Mode      `validate:"omitempty,oneof=friendly challenging"`
	Duration       time.Duration    `validate:"gt=0"`
	QuestionID     string           `validate:"required"`
	JobDescription string
}

// Validate enforces the contract's InvalidInput failure before the
// Controller ever assigns a session_id.
func (r StartRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("invalid input: %w", err))
	}
	return nil
}

// StatusView is the answer to Controller.Status.
type StatusView struct {
	SessionID string
	Status    models.Status
	Elapsed   time.Duration
	Remaining time.Duration
	LastEvent *eventbus.Event
	Metrics   *metrics.Snapshot
}

// completion reasons, ranked submission > stop > deadline for
// triggerCompletion's completionReason bookkeeping.
const (
	reasonSubmission = "submission"
	reasonStop       = "stop"
	reasonDeadline   = "deadline"
)

var reasonPriority = map[string]int{reasonSubmission: 0, reasonStop: 1, reasonDeadline: 2}

// Controller owns at most one running session per process, per spec.
type Controller struct {
	factory        Factory
	scorer         *consolidator.Scorer
	dataRoot       string
	llmEvalTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector

	mu     sync.Mutex
	active *runningSession
}

// NewController builds a Controller. factory constructs the per-session
// Conversation Loop, Code Monitor, Knowledge Base, and Lie-Detection Engine;
// scorer consolidates the Outcome at session end; dataRoot is where the
// event log is written; llmEvalTimeout bounds each background lie-detection
// evaluation so a slow LLM call can't stall shutdown indefinitely. collector
// is optional; a nil collector disables the bus-dropped counter and leaves
// StatusView.Metrics nil.
func NewController(factory Factory, scorer *consolidator.Scorer, dataRoot string, llmEvalTimeout time.Duration, logger *slog.Logger, collector *metrics.Collector) *Controller {
	return &Controller{
		factory:        factory,
		scorer:         scorer,
		dataRoot:       dataRoot,
		llmEvalTimeout: llmEvalTimeout,
		logger:         logger,
		metrics:        collector,
	}
}

// runningSession holds all mutable state for one active session. Every
// field below the mutex line is accessed only while holding mu, except the
// WaitGroups and done channels, which are themselves concurrency-safe.
type runningSession struct {
	session        models.Session
	components     Components
	bus            *eventbus.Bus
	cancel         context.CancelFunc
	recorder       *eventbus.Recorder
	logFile        *os.File
	eventLogPath   string
	jobDescription string

	wg              sync.WaitGroup // Conversation.Run + CodeMonitor.Start goroutines
	pendingLieEvals sync.WaitGroup // in-flight background lie-detection Evaluate calls
	terminalOnce    sync.Once
	consumerDone    chan struct{}
	doneCh          chan struct{}

	mu                sync.Mutex
	lastEvent         eventbus.Event
	haveLastEvent     bool
	codeSummary       models.CodeSnapshotsSummary
	submitDetected    bool
	lastTestAllPassed bool
	nudges            []models.NudgeRecord
	nudgeIntensities  map[models.NudgeKind]models.NudgeIntensity
	completionReason  string
	completionStarted bool
	outcome           *models.InterviewOutcome
}

func (rs *runningSession) setStatus(status models.Status) {
	rs.mu.Lock()
	rs.session.Status = status
	rs.mu.Unlock()
}

func (rs *runningSession) sessionSnapshot() models.Session {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.session
}

// Start begins a new session. It fails fast with AlreadyRunning if one is
// already active in this process, or InvalidInput if req doesn't validate
// (missing candidate, non-positive duration, unrecognized mode). The
// returned session_id is valid even if the factory build later fails; in
// that case the session immediately transitions to failed and Stop/Status
// still work against it.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", apperr.New(apperr.KindConfiguration, "a session is already running in this process")
	}

	now := time.Now()
	sess := models.Session{
		ID:        uuid.NewString(),
		Candidate: req.Candidate,
		Mode:      req.Mode,
		StartedAt: now,
		Deadline:  now.Add(req.Duration),
		Status:    models.StatusInitializing,
	}

	eventLogPath := filepath.Join(c.dataRoot, "events", sess.ID+".jsonl")
	if err := os.MkdirAll(filepath.Dir(eventLogPath), 0o755); err != nil {
		c.mu.Unlock()
		return "", apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create event log dir: %w", err))
	}
	logFile, err := os.Create(eventLogPath)
	if err != nil {
		c.mu.Unlock()
		return "", apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create event log: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bus := eventbus.New(runCtx)
	rs := &runningSession{
		session:          sess,
		bus:              bus,
		cancel:           cancel,
		recorder:         eventbus.NewRecorder(logFile),
		logFile:          logFile,
		eventLogPath:     eventLogPath,
		jobDescription:   req.JobDescription,
		consumerDone:     make(chan struct{}),
		doneCh:           make(chan struct{}),
		nudgeIntensities: make(map[models.NudgeKind]models.NudgeIntensity),
	}
	c.active = rs
	c.mu.Unlock()

	go c.runConsumer(rs)

	bus.Publish(eventbus.ProducerController, eventbus.KindSessionStarted, map[string]any{
		"session_id":   sess.ID,
		"candidate_id": sess.Candidate.ID,
		"mode":         string(sess.Mode),
	})

	rs.setStatus(models.StatusCollecting)
	components, err := c.factory(ctx, rs.sessionSnapshot(), req.QuestionID, bus)
	if err != nil {
		c.beginTermination(rs, true, "factory", err.Error())
		return sess.ID, nil
	}
	rs.components = components
	rs.setStatus(models.StatusReady)
	rs.setStatus(models.StatusActive)

	if components.Conversation != nil {
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			if rerr := components.Conversation.Run(runCtx); rerr != nil && runCtx.Err() == nil {
				go c.beginTermination(rs, true, "conversation", rerr.Error())
			}
		}()
	}
	if components.CodeMonitor != nil {
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			if merr := components.CodeMonitor.Start(runCtx, sess.ID, req.QuestionID); merr != nil && runCtx.Err() == nil {
				go c.beginTermination(rs, true, "code_monitor", merr.Error())
			}
		}()
	}

	time.AfterFunc(req.Duration, func() { c.triggerCompletion(rs, reasonDeadline) })

	return sess.ID, nil
}

// Status answers status(session_id).
func (c *Controller) Status(sessionID string) (StatusView, error) {
	rs, err := c.lookup(sessionID)
	if err != nil {
		return StatusView{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	now := time.Now()
	view := StatusView{
		SessionID: rs.session.ID,
		Status:    rs.session.Status,
		Elapsed:   rs.session.Elapsed(now),
		Remaining: rs.session.Remaining(now),
	}
	if rs.haveLastEvent {
		ev := rs.lastEvent
		view.LastEvent = &ev
	}
	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		view.Metrics = &snap
	}
	return view, nil
}

// Stop ends the session and returns its Outcome. Idempotent: a second call
// after the first successful one returns the same Outcome without
// re-running shutdown.
func (c *Controller) Stop(sessionID string) (models.InterviewOutcome, error) {
	rs, err := c.lookup(sessionID)
	if err != nil {
		return models.InterviewOutcome{}, err
	}
	c.triggerCompletion(rs, reasonStop)
	<-rs.doneCh

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return *rs.outcome, nil
}

func (c *Controller) lookup(sessionID string) (*runningSession, error) {
	c.mu.Lock()
	rs := c.active
	c.mu.Unlock()
	if rs == nil || rs.session.ID != sessionID {
		return nil, apperr.New(apperr.KindConfiguration, "unknown session %q", sessionID)
	}
	return rs, nil
}

// triggerCompletion records the highest-priority completion reason seen so
// far and starts the shutdown sequence exactly once, on the first call. A
// later call with a higher-priority reason still replaces completionReason,
// but the reason is not passed on to the Outcome: a session ends with status
// ended whichever trigger came first.
func (c *Controller) triggerCompletion(rs *runningSession, reason string) {
	rs.mu.Lock()
	if rs.completionReason == "" || reasonPriority[reason] < reasonPriority[rs.completionReason] {
		rs.completionReason = reason
	}
	alreadyStarted := rs.completionStarted
	rs.completionStarted = true
	reasonToUse := rs.completionReason
	rs.mu.Unlock()

	if alreadyStarted {
		return
	}
	go c.beginTermination(rs, false, reasonToUse, "")
}

// beginTermination runs the shutdown sequence exactly once per session: it
// cancels every owned task, waits for them (and any in-flight lie
// evaluation) to finish, flushes the Lie-Detection Engine so no lie is lost
// to timing, drains the remaining bus events, and hands everything to the
// Scorer. The session's status only becomes failed or ended at the very
// end, after every owned task is confirmed stopped.
func (c *Controller) beginTermination(rs *runningSession, failed bool, reason, errMsg string) {
	rs.terminalOnce.Do(func() {
		if failed {
			rs.setStatus(models.StatusFailed)
			rs.bus.Publish(eventbus.ProducerController, eventbus.KindSystemError, map[string]any{
				"error_kind": reason, "detail": errMsg,
			})
		} else {
			rs.setStatus(models.StatusCompleting)
		}

		rs.cancel()
		rs.wg.Wait()
		if rs.components.CodeMonitor != nil {
			_ = rs.components.CodeMonitor.Stop()
		}
		rs.pendingLieEvals.Wait()
		<-rs.consumerDone
		_ = rs.logFile.Close()

		var lies []models.Lie
		if rs.components.LieEngine != nil {
			lies = rs.components.LieEngine.Flush()
		}
		var turns []models.ConversationTurn
		if rs.components.Conversation != nil {
			turns = rs.components.Conversation.Turns()
		}
		claims, digest := claimsAndDigest(rs.components.KnowledgeBase)

		finalStatus := models.StatusEnded
		if failed {
			finalStatus = models.StatusFailed
		}

		rs.mu.Lock()
		nudges := append([]models.NudgeRecord(nil), rs.nudges...)
		codeSummary := rs.codeSummary
		rs.mu.Unlock()

		in := consolidator.Input{
			Session:             rs.sessionSnapshot(),
			EndedAt:             time.Now(),
			Turns:               turns,
			Lies:                lies,
			Nudges:              nudges,
			CodeSnapshots:       codeSummary,
			Claims:              claims,
			KnowledgeBaseDigest: digest,
			JobDescription:      rs.jobDescription,
			EventLogPath:        rs.eventLogPath,
			Status:              finalStatus,
			Error:               errMsg,
		}
		outcome, oerr := c.scorer.Consolidate(context.Background(), in)
		if oerr != nil && c.logger != nil {
			c.logger.Error("consolidate outcome", "session_id", rs.session.ID, "error", oerr)
		}

		rs.setStatus(finalStatus)
		rs.mu.Lock()
		rs.outcome = &outcome
		rs.mu.Unlock()
		close(rs.doneCh)
	})
}

func claimsAndDigest(kb *knowledgebase.KnowledgeBase) ([]models.Claim, string) {
	if kb == nil {
		return nil, ""
	}
	ctx := context.Background()
	claims, err := kb.All(ctx)
	if err != nil {
		return nil, ""
	}
	digest, err := kb.Digest(ctx)
	if err != nil {
		digest = ""
	}
	return claims, digest
}

// runConsumer is the session's sole Event Bus consumer, fanning each event
// out to the Recorder (event log) and to handleEvent (state tracking,
// nudge bookkeeping, completion triggers). It returns once the Bus's
// dispatcher closes its output channel, which only happens after cancel()
// has been called.
func (c *Controller) runConsumer(rs *runningSession) {
	defer close(rs.consumerDone)
	rs.recorder.Run(rs.bus, func(ev eventbus.Event) {
		c.handleEvent(rs, ev)
	})
}

func (c *Controller) handleEvent(rs *runningSession, ev eventbus.Event) {
	rs.mu.Lock()
	rs.lastEvent = ev
	rs.haveLastEvent = true
	rs.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordDropped(rs.bus.Dropped())
	}

	switch ev.Kind {
	case eventbus.KindTurnCandidate:
		c.onCandidateTurn(rs, ev)
	case eventbus.KindCodeChanged:
		rs.mu.Lock()
		rs.codeSummary.SampleCount++
		rs.mu.Unlock()
	case eventbus.KindSubmitDetected:
		rs.mu.Lock()
		rs.submitDetected = true
		rs.mu.Unlock()
		c.checkAcceptance(rs)
	case eventbus.KindTestResult:
		c.onTestResult(rs, ev)
	case eventbus.KindInactivity:
		c.onInactivity(rs, ev)
	case eventbus.KindNudgeRequired:
		c.onNudgeRequired(rs, ev)
	case eventbus.KindSystemError:
		if ev.Producer != eventbus.ProducerController {
			detail, _ := ev.Payload["detail"].(string)
			go c.beginTermination(rs, true, "system_error", detail)
		}
	}
}

// onCandidateTurn wires the Lie-Detection Engine to every committed
// candidate turn: first attach this turn as the elaboration for any Lie
// still awaiting one (step 4 of the per-turn algorithm), then evaluate the
// turn itself for a fresh contradiction, off the consumer goroutine so a
// slow LLM call never stalls event delivery.
func (c *Controller) onCandidateTurn(rs *runningSession, ev eventbus.Event) {
	if rs.components.LieEngine == nil {
		return
	}
	text, _ := ev.Payload["text"].(string)
	seq, _ := ev.Payload["seq"].(int)

	rs.components.LieEngine.RecordFollowup(text)

	rs.pendingLieEvals.Add(1)
	go func() {
		defer rs.pendingLieEvals.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.llmEvalTimeout)
		defer cancel()
		turn := models.ConversationTurn{Seq: seq, Role: models.RoleCandidate, Text: text}
		if _, err := rs.components.LieEngine.Evaluate(ctx, turn); err != nil && c.logger != nil {
			c.logger.Warn("lie detection evaluate failed", "session_id", rs.session.ID, "turn_seq", seq, "error", err)
		}
	}()
}

func (c *Controller) onTestResult(rs *runningSession, ev eventbus.Event) {
	stateStr, _ := ev.Payload["test_state"].(string)
	passed, _ := ev.Payload["passed"].(int)
	total, _ := ev.Payload["total"].(int)
	state := models.TestState(stateStr)

	rs.mu.Lock()
	rs.codeSummary.FinalState = state
	rs.codeSummary.TestStateHistory = append(rs.codeSummary.TestStateHistory, state)
	rs.lastTestAllPassed = state == models.TestPassed && total > 0 && passed == total
	rs.mu.Unlock()

	c.checkAcceptance(rs)
}

// onInactivity is the only nudge source the controller originates itself:
// nobody else decides inactivity nudges, so it escalates intensity for the
// inactivity kind the same way the Lie-Detection Engine escalates lie
// nudges, and publishes NUDGE_REQUIRED for onNudgeRequired to pick up.
func (c *Controller) onInactivity(rs *runningSession, ev eventbus.Event) {
	rs.mu.Lock()
	intensity := rs.escalateNudgeLocked(models.NudgeInactivity)
	rs.mu.Unlock()

	idleFor, _ := ev.Payload["idle_for_seconds"].(float64)
	rs.bus.Publish(eventbus.ProducerController, eventbus.KindNudgeRequired, map[string]any{
		"turn_seq":  0,
		"kind":      string(models.NudgeInactivity),
		"intensity": intensity.String(),
		"prompt":    fmt.Sprintf("The editor has been idle for %.0fs — how's the problem coming along?", idleFor),
	})
}

func (rs *runningSession) escalateNudgeLocked(kind models.NudgeKind) models.NudgeIntensity {
	current, ok := rs.nudgeIntensities[kind]
	if !ok {
		rs.nudgeIntensities[kind] = models.IntensityPolite
		return models.IntensityPolite
	}
	next := current.Escalate()
	rs.nudgeIntensities[kind] = next
	return next
}

// onNudgeRequired records every NUDGE_REQUIRED as a delivered NudgeRecord
// and publishes NUDGE_DELIVERED in response. Lie-kind nudges are published
// by the Lie-Detection Engine itself (which keeps its own authoritative
// copy inside each Lie); the controller still records and delivers them so
// the event log and Outcome.Nudges carry every nudge chronologically.
func (c *Controller) onNudgeRequired(rs *runningSession, ev eventbus.Event) {
	kindStr, _ := ev.Payload["kind"].(string)
	intensityStr, _ := ev.Payload["intensity"].(string)
	prompt, _ := ev.Payload["prompt"].(string)
	turnSeq, _ := ev.Payload["turn_seq"].(int)

	record := models.NudgeRecord{
		TurnSeq:     turnSeq,
		Kind:        models.NudgeKind(kindStr),
		Intensity:   intensityFromString(intensityStr),
		PromptText:  prompt,
		DeliveredAt: time.Now(),
	}

	rs.mu.Lock()
	rs.nudges = append(rs.nudges, record)
	rs.mu.Unlock()

	rs.bus.Publish(eventbus.ProducerController, eventbus.KindNudgeDelivered, ev.Payload)
}

func intensityFromString(s string) models.NudgeIntensity {
	switch s {
	case "firm":
		return models.IntensityFirm
	case "aggressive":
		return models.IntensityAggressive
	case "final_warning":
		return models.IntensityFinalWarning
	default:
		return models.IntensityPolite
	}
}

// checkAcceptance implements the controller's second completing-trigger:
// submit + passed_k_of_n with k = n.
func (c *Controller) checkAcceptance(rs *runningSession) {
	rs.mu.Lock()
	ready := rs.submitDetected && rs.lastTestAllPassed
	rs.mu.Unlock()
	if ready {
		c.triggerCompletion(rs, reasonSubmission)
	}
}
