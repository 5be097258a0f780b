package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/tunnel"
)

func NewResetCommand() *cobra.Command {
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the persisted tunnel",
		Long: `Forget the persisted tunnel so that the next connect creates a new one.

Remote clients that saved the old tunnel address will have to look up the
new one. The host must be stopped first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon.IsRunning() {
				return fmt.Errorf("tunnel-proxy is running. Stop it with 'tunnel-proxy stop' first")
			}

			store := tunnel.NewFileStore(tunnel.DefaultRecordPath(core.GetConfigDir()))
			rec, err := store.Load()
			if err != nil {
				slog.Warn("Persisted tunnel is unreadable, removing it", "error", err)
			}
			if err := store.Clear(); err != nil {
				return err
			}
			if rec != nil {
				slog.Info(fmt.Sprintf("Forgot tunnel %s", rec.TunnelID))
			} else {
				slog.Info("No tunnel was persisted")
			}
			return nil
		},
	}

	return resetCmd
}
