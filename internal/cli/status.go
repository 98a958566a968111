package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusFlags struct {
	addr string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the status of a running interview session",
	Long: `status polls the control-plane endpoint hosted by 'orchestrator run'
and renders the same status() view the session contract defines, either as
a live view or as plain lines when stdout isn't a terminal.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.addr, "addr", "", "control plane address (defaults to CONTROL_ADDR)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusFlags.addr
	if addr == "" {
		addr = cfg.ControlAddr
	}

	poll := func(ctx context.Context) (statusResponse, error) {
		return fetchStatus(ctx, addr)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		_, err := runStatusView(poll)
		return err
	}

	view, err := poll(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), printStatusLine(view))
	return nil
}
