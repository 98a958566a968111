package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/interviewcore/orchestrator/internal/agent"
	"github.com/interviewcore/orchestrator/internal/bridge"
	"github.com/interviewcore/orchestrator/internal/codemonitor"
	"github.com/interviewcore/orchestrator/internal/config"
	"github.com/interviewcore/orchestrator/internal/conversation"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/knowledgebase"
	"github.com/interviewcore/orchestrator/internal/liedetection"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/interviewcore/orchestrator/internal/session"
)

// conversationRunner adapts conversation.Loop to session.ConversationRunner,
// closing the STT stream once Run returns so the websocket connection
// doesn't outlive the turn-taking loop that reads it.
type conversationRunner struct {
	loop *conversation.Loop
	stt  conversation.STTStream
}

func (c *conversationRunner) Run(ctx context.Context) error {
	err := c.loop.Run(ctx)
	_ = c.stt.Close()
	return err
}

func (c *conversationRunner) Turns() []models.ConversationTurn { return c.loop.Turns() }

// buildFactory assembles the real session.Factory: it dials STT/TTS, builds
// the per-session Knowledge Base from ingested artifacts, launches the Code
// Monitor's browser session, wires the Lie-Detection Engine, and opens the
// subprocess bridge's IPC endpoint. A dialing or ingestion failure here
// drives the session straight to failed, per the Session Controller's
// documented factory-failure handling.
func buildFactory(cfg config.Config, metricsCollector *metrics.Collector) session.Factory {
	return func(ctx context.Context, sess models.Session, questionID string, bus *eventbus.Bus) (session.Components, error) {
		kb, err := knowledgebase.New(ctx)
		if err != nil {
			return session.Components{}, err
		}
		if err := kb.Build(ctx, cfg.DataRoot, sess.Candidate.ID); err != nil {
			return session.Components{}, fmt.Errorf("build knowledge base: %w", err)
		}

		runtime, err := agent.NewRuntime(ctx, cfg, metricsCollector, logger)
		if err != nil {
			return session.Components{}, fmt.Errorf("start agent runtime: %w", err)
		}

		// DialSTT's read loop runs for the life of the process, not just the
		// build step, so it is intentionally dialed against a detached
		// background context rather than the bounded build ctx — Close()
		// (called by conversationRunner once Run returns) is what actually
		// ends it, via a bounded reconnect-then-give-up sequence.
		stt, err := conversation.DialSTT(context.Background(), cfg.STTURL)
		if err != nil {
			return session.Components{}, fmt.Errorf("dial stt: %w", err)
		}
		tts := conversation.NewTTSPlayer(cfg.TTSURL)

		loop := conversation.New(sess.ID, stt, tts, runtime, bus, logger, metricsCollector,
			cfg.EndOfTurnSilence, cfg.FillerLatencyThreshold, nil)

		monitor := codemonitor.New(cfg, bus, logger, metricsCollector)
		lieEngine := liedetection.New(kb, runtime, bus, logger, metricsCollector, cfg.LieThreshold)

		brSocket := filepath.Join(filepath.Dir(cfg.BridgeSocketPath), sess.ID+".sock")
		br := bridge.New(brSocket, sess.ID, bus, logger)
		if err := br.Listen(ctx); err != nil {
			// The subprocess bridge is an optional input (no subordinate
			// process is required to run a session); its unavailability is
			// logged, not fatal.
			if logger != nil {
				logger.Warn("subprocess bridge endpoint unavailable, continuing without it",
					"session_id", sess.ID, "error", err)
			}
		}

		return session.Components{
			KnowledgeBase: kb,
			Conversation:  &conversationRunner{loop: loop, stt: stt},
			CodeMonitor:   monitor,
			LieEngine:     lieEngine,
		}, nil
	}
}
