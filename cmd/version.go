package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and host (if running)`,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Host: not running")
				return
			}

			var data daemon.VersionData
			if err := response.DecodeData(&data); err != nil || data.Version == "" {
				fmt.Fprintln(os.Stderr, "Host: unknown version")
				return
			}
			hostFormatted := core.FormatVersion(data.Version)
			fmt.Fprintf(os.Stderr, "Host version: %s (PID %d)\n", hostFormatted, data.PID)

			if msg := core.VersionMismatch(core.Version, data.Version); msg != "" {
				slog.Warn(msg)
			}
		},
	}

	return versionCmd
}
