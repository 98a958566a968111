package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/interviewcore/orchestrator/internal/consolidator"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/knowledgebase"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/spf13/cobra"
)

var consolidateFlags struct {
	sessionID      string
	jobDescription string
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Rebuilds and scores an Outcome from a session's event log",
	Long: `consolidate is the recovery path for a process that collected a
session's events but crashed before scoring it: it replays the session's
event log, rebuilds the Knowledge Base from the same ingestion artifacts,
and re-runs the same scoring the Log Consolidator runs at session end.

Lies recorded by the Lie-Detection Engine live only in its own memory
until session end and are never themselves placed on the event bus, so a
replayed Outcome's Lies list is always empty — the nudges a lie produced
still appear in Nudges, since NUDGE_DELIVERED is logged like any other
event.`,
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateFlags.sessionID, "session-id", "", "session identifier to rebuild (required)")
	consolidateCmd.Flags().StringVar(&consolidateFlags.jobDescription, "job-description-file", "", "path to a job description text file, scored against candidate claims")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	if consolidateFlags.sessionID == "" {
		return fmt.Errorf("invalid input: --session-id is required")
	}
	jobDescription, err := readOptionalFile(consolidateFlags.jobDescription)
	if err != nil {
		return err
	}

	eventLogPath := filepath.Join(cfg.DataRoot, "events", consolidateFlags.sessionID+".jsonl")
	events, err := eventbus.ReadEventLog(eventLogPath)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}

	replay, err := replayEvents(consolidateFlags.sessionID, events)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ExternalTimeout)
	defer cancel()
	kb, err := knowledgebase.New(ctx)
	if err != nil {
		return fmt.Errorf("build knowledge base: %w", err)
	}
	var claims []models.Claim
	var digest string
	if replay.candidateID != "" {
		if err := kb.Build(ctx, cfg.DataRoot, replay.candidateID); err != nil {
			return fmt.Errorf("build knowledge base: %w", err)
		}
		claims, _ = kb.All(ctx)
		digest, _ = kb.Digest(ctx)
	}

	scorer := consolidator.New(cfg.DataRoot)
	outcome, err := scorer.Consolidate(ctx, consolidator.Input{
		Session: models.Session{
			ID:        consolidateFlags.sessionID,
			Candidate: models.Candidate{ID: replay.candidateID},
			Mode:      models.Mode(replay.mode),
		},
		EndedAt:             time.Now(),
		Turns:               replay.turns,
		Nudges:              replay.nudges,
		CodeSnapshots:       replay.codeSummary,
		Claims:              claims,
		KnowledgeBaseDigest: digest,
		JobDescription:      jobDescription,
		EventLogPath:        eventLogPath,
		Status:              models.StatusEnded,
	})
	if err != nil {
		return fmt.Errorf("consolidate outcome: %w", err)
	}
	printOutcomeSummary(cmd, outcome)
	return nil
}

// replayResult is what's recoverable from an event log alone.
type replayResult struct {
	candidateID string
	mode        string
	turns       []models.ConversationTurn
	nudges      []models.NudgeRecord
	codeSummary models.CodeSnapshotsSummary
}

// replayEvents reconstructs everything the Session Controller tracks in
// memory that was also ever placed on the bus. Event payloads have already
// round-tripped through JSON, so numeric fields decode as float64 even
// though the live controller published them as int.
func replayEvents(sessionID string, events []eventbus.Event) (replayResult, error) {
	var r replayResult
	for _, ev := range events {
		switch ev.Kind {
		case eventbus.KindSessionStarted:
			r.candidateID, _ = ev.Payload["candidate_id"].(string)
			r.mode, _ = ev.Payload["mode"].(string)

		case eventbus.KindTurnCandidate:
			r.turns = append(r.turns, models.ConversationTurn{
				Seq:  payloadInt(ev.Payload, "seq"),
				Role: models.RoleCandidate,
				Text: payloadString(ev.Payload, "text"),
			})

		case eventbus.KindTurnInterviewer:
			r.turns = append(r.turns, models.ConversationTurn{
				Seq:  payloadInt(ev.Payload, "seq"),
				Role: models.RoleInterviewer,
				Text: payloadString(ev.Payload, "text"),
			})

		case eventbus.KindCodeChanged:
			r.codeSummary.SampleCount++

		case eventbus.KindTestResult:
			state := models.TestState(payloadString(ev.Payload, "test_state"))
			r.codeSummary.FinalState = state
			r.codeSummary.TestStateHistory = append(r.codeSummary.TestStateHistory, state)

		case eventbus.KindNudgeDelivered:
			r.nudges = append(r.nudges, models.NudgeRecord{
				TurnSeq:     payloadInt(ev.Payload, "turn_seq"),
				Kind:        models.NudgeKind(payloadString(ev.Payload, "kind")),
				Intensity:   parseNudgeIntensity(payloadString(ev.Payload, "intensity")),
				PromptText:  payloadString(ev.Payload, "prompt"),
				DeliveredAt: ev.T,
			})
		}
	}
	if r.candidateID == "" {
		return r, fmt.Errorf("event log for session %s has no SESSION_STARTED record", sessionID)
	}
	return r, nil
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// parseNudgeIntensity mirrors the Session Controller's own string mapping
// so a replayed NUDGE_DELIVERED record round-trips to the same intensity.
func parseNudgeIntensity(s string) models.NudgeIntensity {
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

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
