package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/interviewcore/orchestrator/internal/consolidator"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/interviewcore/orchestrator/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var runFlags struct {
	candidateID   string
	candidateName string
	mode          string
	duration      time.Duration
	questionID    string
	jobDescFile   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts a live interview session in the foreground",
	Long: `run starts one interview session and drives it to completion: it
dials speech transport, launches the code editor monitor, and hosts a
control-plane endpoint so a separate 'status' or 'stop' invocation can
reach this session while it's running.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.candidateID, "candidate-id", "", "candidate identifier (required)")
	runCmd.Flags().StringVar(&runFlags.candidateName, "candidate-name", "", "candidate display name")
	runCmd.Flags().StringVar(&runFlags.mode, "mode", string(models.ModeFriendly), "interview mode: friendly|challenging")
	runCmd.Flags().DurationVar(&runFlags.duration, "duration", 45*time.Minute, "session duration")
	runCmd.Flags().StringVar(&runFlags.questionID, "question-id", "", "question identifier (required)")
	runCmd.Flags().StringVar(&runFlags.jobDescFile, "job-description-file", "", "path to a job description text file, scored against candidate claims")
}

func runRun(cmd *cobra.Command, args []string) error {
	jobDescription, err := readOptionalFile(runFlags.jobDescFile)
	if err != nil {
		return err
	}

	metricsCollector := metrics.NewCollector()
	factory := buildFactory(cfg, metricsCollector)
	scorer := consolidator.New(cfg.DataRoot)
	ctrl := session.NewController(factory, scorer, cfg.DataRoot, cfg.LLMTimeout, logger, metricsCollector)

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.ExternalTimeout)
	sessionID, err := ctrl.Start(startCtx, session.StartRequest{
		Candidate: models.Candidate{
			ID:          runFlags.candidateID,
			DisplayName: runFlags.candidateName,
		},
		Mode:           models.Mode(runFlags.mode),
		Duration:       runFlags.duration,
		QuestionID:     runFlags.questionID,
		JobDescription: jobDescription,
	})
	startCancel()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		logger.Warn("control plane endpoint unavailable, status/stop must be driven via ctrl-c", "addr", cfg.ControlAddr, "error", err)
	} else {
		srv := newControlServer(ctrl, sessionID)
		go func() {
			if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Warn("control plane server stopped", "error", serveErr)
			}
		}()
		defer srv.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "session %s started, control plane at %s\n", sessionID, cfg.ControlAddr)
	}

	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()
	go func() {
		<-sigCtx.Done()
		_, _ = ctrl.Stop(sessionID)
	}()

	poll := func(ctx context.Context) (statusResponse, error) {
		view, statusErr := ctrl.Status(sessionID)
		return toStatusResponse(view, statusErr), nil
	}

	var final statusResponse
	if term.IsTerminal(int(os.Stdout.Fd())) {
		final, err = runStatusView(poll)
	} else {
		final, err = pollUntilTerminal(cmd, poll)
	}
	if err != nil {
		return err
	}

	outcome, err := ctrl.Stop(sessionID)
	if err != nil {
		return fmt.Errorf("retrieve outcome: %w", err)
	}
	printOutcomeSummary(cmd, outcome)
	if final.Status == models.StatusFailed {
		return fmt.Errorf("session failed: %s", outcome.Error)
	}
	return nil
}

func pollUntilTerminal(cmd *cobra.Command, poll statusSource) (statusResponse, error) {
	for {
		view, err := poll(context.Background())
		if err != nil {
			return view, err
		}
		fmt.Fprintln(cmd.OutOrStdout(), printStatusLine(view))
		if isTerminalStatus(view.Status) {
			return view, nil
		}
		time.Sleep(statusPollInterval)
	}
}

func printOutcomeSummary(cmd *cobra.Command, outcome models.InterviewOutcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n--- interview outcome ---\n")
	fmt.Fprintf(out, "status:         %s\n", outcome.Status)
	if outcome.Error != "" {
		fmt.Fprintf(out, "error:          %s\n", outcome.Error)
		return
	}
	fmt.Fprintf(out, "recommendation: %s\n", outcome.Recommendation)
	fmt.Fprintf(out, "overall score:  %.1f\n", outcome.Scores.Overall)
	fmt.Fprintf(out, "lies detected:  %d\n", len(outcome.Lies))
	fmt.Fprintf(out, "nudges sent:    %d\n", len(outcome.Nudges))
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read job description file: %w", err)
	}
	return string(data), nil
}
