package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewRestartCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the tunnel-proxy host",
		Long: `Restart the tunnel-proxy host.

Clients are disconnected and workers terminated. The new host reuses the
persisted tunnel, so remote clients reconnect to the same address. Use this
after changing relay, auth or reconnect settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daemon.IsRunning() {
				if !quiet {
					slog.Warn("tunnel-proxy is not running. Use 'tunnel-proxy start' instead.")
				}
				return nil
			}

			if !quiet {
				slog.Info("Restarting tunnel-proxy...")
			}
			if _, err := daemon.SendCommand("STOP"); err != nil {
				return fmt.Errorf("failed to stop tunnel-proxy: %w", err)
			}
			if !daemon.WaitForExit(5 * time.Second) {
				return fmt.Errorf("tunnel-proxy did not stop within 5s")
			}

			if err := daemon.StartDaemon(); err != nil {
				return fmt.Errorf("failed to start tunnel-proxy: %w", err)
			}
			if err := daemon.WaitForDaemon(5 * time.Second); err != nil {
				return fmt.Errorf("tunnel-proxy failed to start: %w", err)
			}

			if !quiet {
				slog.Info("tunnel-proxy restarted successfully")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
