package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewPoolCommand() *cobra.Command {
	var events int

	poolCmd := &cobra.Command{
		Use:     "pool",
		Aliases: []string{"workers"},
		Short:   "List worker processes",
		Long: `List the worker processes held by the host, one per working directory,
with the number of sessions bound to each. Idle workers are terminated once
the grace period runs out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := daemon.SendCommand(fmt.Sprintf("POOL %d", events))
			if err != nil {
				slog.Warn("tunnel-proxy is not running")
				return nil
			}

			var data daemon.PoolData
			if err := response.DecodeData(&data); err != nil {
				return fmt.Errorf("unexpected pool data from tunnel-proxy: %w", err)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printPool(os.Stdout, data)
			case "json":
				out, _ := json.MarshalIndent(data, "", "  ")
				fmt.Println(string(out))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	poolCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	poolCmd.Flags().IntVarP(&events, "events", "e", 0, "Number of recent worker events to include")

	return poolCmd
}

func printPool(w io.Writer, data daemon.PoolData) {
	if len(data.Workers) == 0 {
		fmt.Fprintln(w, "No workers running")
	} else {
		fmt.Fprintf(w, "Workers %s(grace period %s)%s:\n", colorDim, data.GracePeriod, colorReset)
		for _, wk := range data.Workers {
			state := fmt.Sprintf("%d session(s)", wk.RefCount)
			if wk.RefCount == 0 && wk.HasGraceTimer {
				state = colorYellow + "idle" + colorReset
			}
			fmt.Fprintf(w, "  - %s (PID: %d, %s)\n", wk.WorkingDirectory, wk.PID, state)
		}
	}

	if len(data.Events) > 0 {
		fmt.Fprintln(w, "Recent events:")
		for _, e := range data.Events {
			line := fmt.Sprintf("  %s %-12s %s", formatEventTime(e.Time), e.Kind, e.Subject)
			if e.Details != "" {
				line += fmt.Sprintf(" %s(%s)%s", colorDim, e.Details, colorReset)
			}
			fmt.Fprintln(w, line)
		}
	}
}
