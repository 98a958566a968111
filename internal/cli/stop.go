package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopFlags struct {
	addr string
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stops a running interview session and prints its outcome",
	Long: `stop requests termination over the control plane hosted by
'orchestrator run'. Stop is idempotent: calling it on a session that has
already ended returns the same outcome rather than an error.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopFlags.addr, "addr", "", "control plane address (defaults to CONTROL_ADDR)")
}

func runStop(cmd *cobra.Command, args []string) error {
	addr := stopFlags.addr
	if addr == "" {
		addr = cfg.ControlAddr
	}

	outcome, err := requestStop(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	printOutcomeSummary(cmd, outcome)
	return nil
}
