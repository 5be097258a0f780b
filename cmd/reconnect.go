package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewReconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reconnect",
		Aliases: []string{"r"},
		Short:   "Drop and re-establish the relay tunnel",
		Long: `Drop the relay connection and connect again, resetting the retry backoff.

Connected clients are disconnected and must reconnect. Use this after
signing in or when the tunnel is stuck retrying.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				return err
			}
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommandStreaming("RECONNECT", daemon.LogMessage)
			if err != nil {
				return fmt.Errorf("failed to reconnect: %w", err)
			}
			response.LogMessages()
			if response.HasErrors() {
				return fmt.Errorf("reconnect failed")
			}
			return nil
		},
	}
}
