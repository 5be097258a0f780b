package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewRunCommand(verbose *int) *cobra.Command {
	var watchPID int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host in the foreground",
		Long: `Run the host in the foreground, logging to stderr.

'tunnel-proxy start' runs this command in the background. Editors that embed
the host pass --watch-pid with their own PID so the host exits with them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := daemon.Run(core.Config, daemon.RunOptions{
				WatchPID:    watchPID,
				FlagVerbose: *verbose,
			})
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				slog.Warn("tunnel-proxy is already running")
				return nil
			}
			return err
		},
	}
	runCmd.Flags().IntVar(&watchPID, "watch-pid", 0, "exit when the process with this PID exits")

	return runCmd
}
