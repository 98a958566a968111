// Package liedetection implements the Lie-Detection & Nudge Engine: for
// every committed candidate turn it asks the Knowledge Base for a matching
// bundle, runs it through the Agent Runtime's verification prompt, and
// escalates a nudge whenever the candidate's claim is contradicted with
// enough confidence.
package liedetection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interviewcore/orchestrator/internal/agent"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/knowledgebase"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
)

// Engine owns the running set of Lies for one session, collapsing repeated
// contradictions of the same underlying claim into a single entry.
type Engine struct {
	kb            *knowledgebase.KnowledgeBase
	runtime       *agent.Runtime
	bus           *eventbus.Bus
	logger        *slog.Logger
	metrics       *metrics.Collector
	lieThreshold  float64
	systemPrompt  string

	mu          sync.Mutex
	intensities map[models.NudgeKind]models.NudgeIntensity
	lies        []*models.Lie
	byClaimID   map[string]*models.Lie
}

// New builds an Engine bound to a session's KnowledgeBase, Agent Runtime,
// and Event Bus. collector is optional; a nil collector simply disables
// timing.
func New(kb *knowledgebase.KnowledgeBase, runtime *agent.Runtime, bus *eventbus.Bus, logger *slog.Logger, collector *metrics.Collector, lieThreshold float64) *Engine {
	return &Engine{
		kb:           kb,
		runtime:      runtime,
		bus:          bus,
		logger:       logger,
		metrics:      collector,
		lieThreshold: lieThreshold,
		systemPrompt: "You are the fact-checking oracle for a technical interview. Given a candidate statement and the claims known to be true about them, classify the statement.",
		intensities:  make(map[models.NudgeKind]models.NudgeIntensity),
		byClaimID:    make(map[string]*models.Lie),
	}
}

// Evaluate runs the per-turn algorithm against one committed candidate
// turn: check the Knowledge Base, ask the Agent Runtime to classify the
// utterance, and — on a confidently-contradicted verdict — escalate and
// publish NUDGE_REQUIRED. Returns the ClaimAnalysis regardless of verdict,
// since the Session Controller's conversation context includes it either
// way.
func (e *Engine) Evaluate(ctx context.Context, turn models.ConversationTurn) (models.ClaimAnalysis, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordTiming(metrics.OpFactCheck, time.Since(start))
		}
	}()

	match, err := e.kb.Check(ctx, turn.Text)
	if err != nil {
		return models.ClaimAnalysis{}, fmt.Errorf("knowledge base check: %w", err)
	}

	resp, err := e.runtime.Ask(ctx, agent.PromptSpec{
		System:       e.systemPrompt,
		User:         buildVerificationPrompt(turn.Text, match),
		ResponseType: agent.ResponseClaimAnalysis,
	})
	if err != nil {
		return models.ClaimAnalysis{}, fmt.Errorf("verify claim: %w", err)
	}
	if resp.ClaimAnalysis == nil {
		return models.ClaimAnalysis{}, fmt.Errorf("verify claim: empty response")
	}

	analysis := resp.ClaimAnalysis.Into(turn.Seq)
	if analysis.IsLie(e.lieThreshold) {
		e.recordLie(turn, analysis)
	}
	return analysis, nil
}

func buildVerificationPrompt(utterance string, match knowledgebase.MatchResult) string {
	prompt := fmt.Sprintf("Candidate said: %q\n", utterance)
	if match.BestMatch != nil {
		prompt += fmt.Sprintf("Closest known claim (score %.2f): %q\n", match.Score, match.BestMatch.Text)
	}
	if len(match.Contradictions) > 0 {
		prompt += fmt.Sprintf("%d other claims in the same category may conflict.\n", len(match.Contradictions))
	}
	return prompt
}

// recordLie escalates the nudge intensity for this claim's kind, collapses
// consecutive contradictions on the same underlying claim onto one Lie
// (keeping the strongest NudgeRecord), and publishes NUDGE_REQUIRED.
func (e *Engine) recordLie(turn models.ConversationTurn, analysis models.ClaimAnalysis) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := dedupKey(analysis)
	intensity := e.escalate(models.NudgeLie)

	if existing, ok := e.byClaimID[key]; ok && key != "" {
		existing.Analysis = analysis
		if intensity > existing.Nudge.Intensity {
			existing.Nudge.Intensity = intensity
			existing.Nudge.PromptText = noddingPrompt(analysis, intensity)
		}
		e.publishNudge(existing.Nudge, turn.Seq)
		return
	}

	nudge := models.NudgeRecord{
		TurnSeq:           turn.Seq,
		Kind:              models.NudgeLie,
		Intensity:         intensity,
		PromptText:        noddingPrompt(analysis, intensity),
		CandidateFollowup: "",
	}
	lie := &models.Lie{
		TurnSeq:  turn.Seq,
		Utterance: turn.Text,
		Analysis: analysis,
		Nudge:    nudge,
	}
	e.lies = append(e.lies, lie)
	if key != "" {
		e.byClaimID[key] = lie
	}
	e.publishNudge(nudge, turn.Seq)
}

func dedupKey(analysis models.ClaimAnalysis) string {
	if len(analysis.SupportingClaimIDs) == 0 {
		return ""
	}
	return string(analysis.Category) + "|" + analysis.SupportingClaimIDs[0]
}

func noddingPrompt(analysis models.ClaimAnalysis, intensity models.NudgeIntensity) string {
	switch intensity {
	case models.IntensityPolite:
		return "Could you tell me a bit more about that? I want to make sure I understand it correctly."
	case models.IntensityFirm:
		return "I want to dig into that claim a little more — can you walk me through the specifics?"
	case models.IntensityAggressive:
		return "That doesn't quite line up with what's on record. Can you clarify what you actually did?"
	default:
		return "I need a direct, specific answer here before we move on."
	}
}

// escalate advances and returns the current intensity for kind, starting
// from polite on first use.
func (e *Engine) escalate(kind models.NudgeKind) models.NudgeIntensity {
	current, ok := e.intensities[kind]
	if !ok {
		e.intensities[kind] = models.IntensityPolite
		return models.IntensityPolite
	}
	next := current.Escalate()
	e.intensities[kind] = next
	return next
}

func (e *Engine) publishNudge(nudge models.NudgeRecord, turnSeq int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.ProducerLieDetector, eventbus.KindNudgeRequired, map[string]any{
		"turn_seq":  turnSeq,
		"kind":      string(nudge.Kind),
		"intensity": nudge.Intensity.String(),
		"prompt":    nudge.PromptText,
	})
}

// RecordFollowup attaches the candidate's next turn as the elaboration for
// the most recent Lie, if that Lie has none yet; earlier Lies are not
// considered.
func (e *Engine) RecordFollowup(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lies) == 0 {
		return
	}
	last := e.lies[len(e.lies)-1]
	if last.CandidateFollowup == "" {
		last.CandidateFollowup = text
		last.Nudge.CandidateFollowup = text
	}
}

// Flush returns every recorded Lie, stamping "(no elaboration provided)" on
// any still missing a follow-up — used when the session ends mid-nudge so
// no Lie is lost to timing.
func (e *Engine) Flush() []models.Lie {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Lie, len(e.lies))
	for i, l := range e.lies {
		if l.CandidateFollowup == "" {
			l.CandidateFollowup = models.NoElaborationProvided()
			l.Nudge.CandidateFollowup = l.CandidateFollowup
		}
		out[i] = *l
	}
	return out
}
