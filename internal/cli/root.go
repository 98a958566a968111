// Package cli provides the command-line interface for the interview
// orchestrator: run/status/stop/consolidate, built on cobra like the
// teacher's own knowhow CLI.
package cli

import (
	"log/slog"

	"github.com/interviewcore/orchestrator/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfg    config.Config
	logger *slog.Logger

	flagDataRoot string
	logCleanup   func() error
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Runs and inspects live technical interview sessions",
	Long: `orchestrator drives a single live technical interview session: it fuses
speech transcription and synthesis, code-editor telemetry, and an LLM-backed
interviewer agent into one session, watches the candidate for contradicted
claims, and produces a scored hirability Outcome when the session ends.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		cfg = config.Load()
		if flagDataRoot != "" {
			cfg.DataRoot = flagDataRoot
		}
		logger, logCleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	err := rootCmd.Execute()
	if logCleanup != nil {
		_ = logCleanup()
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataRoot, "data-root", "", "override DATA_ROOT")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(consolidateCmd)
}
