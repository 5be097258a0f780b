package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	var force bool

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel-proxy host",
		Long: `Stop the tunnel-proxy host, disconnecting every client and terminating
every worker.

With --force a host that no longer answers on its control socket is sent
SIGTERM using the PID file.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommand("STOP")
			if err != nil {
				if !force {
					slog.Warn("tunnel-proxy is not running")
					return nil
				}
				pid, err := daemon.TerminateByPIDFile()
				if err != nil {
					return fmt.Errorf("could not stop tunnel-proxy: %w", err)
				}
				slog.Info(fmt.Sprintf("Sent SIGTERM to tunnel-proxy (PID %d)", pid))
				return nil
			}
			response.LogMessages()

			if !daemon.WaitForExit(5 * time.Second) {
				slog.Warn("tunnel-proxy did not shut down within timeout, but stop command was sent")
				return nil
			}
			slog.Debug("Shutdown confirmed")
			return nil
		},
	}
	stopCmd.Flags().BoolVar(&force, "force", false, "signal the host from its PID file if it does not answer")

	return stopCmd
}
