package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel-proxy host",
		Long: `Start the tunnel-proxy host in the background.

The host keeps the relay tunnel open and runs until stopped with
'tunnel-proxy stop'. If no token is stored it signs in with the device flow;
follow 'tunnel-proxy logs' for the code, or sign in first with
'tunnel-proxy login'.

If the host is already running, this command reports its version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if response, err := daemon.SendCommand("VERSION"); err == nil {
				var data daemon.VersionData
				if response.DecodeData(&data) == nil && data.Version != "" {
					slog.Info(fmt.Sprintf("tunnel-proxy is already running (version %s)", core.FormatVersion(data.Version)))
					return nil
				}
				slog.Info("tunnel-proxy is already running")
				return nil
			}

			slog.Info("Starting tunnel-proxy...")
			if err := daemon.StartDaemon(); err != nil {
				return fmt.Errorf("failed to start tunnel-proxy: %w", err)
			}
			if err := daemon.WaitForDaemon(5 * time.Second); err != nil {
				return fmt.Errorf("tunnel-proxy failed to start: %w", err)
			}

			slog.Info("tunnel-proxy started successfully")
			return nil
		},
	}
}
