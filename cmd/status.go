package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

// ANSI color codes for status output
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorDim    = "\033[2m"
)

func NewStatusCommand() *cobra.Command {
	var events int

	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show tunnel, client and worker status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := daemon.SendCommand(fmt.Sprintf("STATUS %d", events))
			if err != nil {
				slog.Warn("tunnel-proxy is not running")
				return nil
			}
			daemon.CheckVersionMismatch()

			var data daemon.StatusData
			if err := response.DecodeData(&data); err != nil {
				return fmt.Errorf("unexpected status from tunnel-proxy: %w", err)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printStatus(os.Stdout, data, time.Now())
			case "json":
				out, _ := json.MarshalIndent(data, "", "  ")
				fmt.Println(string(out))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	statusCmd.Flags().IntVarP(&events, "events", "e", 0, "Number of recent tunnel events to include")

	return statusCmd
}

func printStatus(w io.Writer, data daemon.StatusData, now time.Time) {
	fmt.Fprintf(w, "Tunnel: %s", colorState(data.State))
	if since, err := time.Parse(time.RFC3339, data.Since); err == nil {
		fmt.Fprintf(w, " %sfor %s%s", colorDim, formatAge(now.Sub(since)), colorReset)
	}
	fmt.Fprintln(w)

	if data.TunnelID != "" {
		fmt.Fprintf(w, "  ID: %s (cluster %s, port %d)\n", data.TunnelID, data.ClusterID, data.Port)
	}
	if data.RetryCount > 0 {
		fmt.Fprintf(w, "  Retries: %d", data.RetryCount)
		if next, err := time.Parse(time.RFC3339, data.NextRetry); err == nil {
			fmt.Fprintf(w, ", next in %s", formatAge(next.Sub(now)))
		}
		fmt.Fprintln(w)
	}
	if data.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s%s%s\n", colorRed, data.LastError, colorReset)
	}

	fmt.Fprintf(w, "Clients: %d  Sessions: %d  Workers: %d\n", data.Clients, data.Sessions, data.Workers)
	if started, err := time.Parse(time.RFC3339, data.StartedAt); err == nil {
		fmt.Fprintf(w, "%sHost PID %d, up %s%s\n", colorDim, data.PID, formatAge(now.Sub(started)), colorReset)
	}

	if len(data.Events) > 0 {
		fmt.Fprintln(w, "Recent events:")
		for _, e := range data.Events {
			line := fmt.Sprintf("  %s %-12s", formatEventTime(e.Time), e.Kind)
			if e.Reason != "" {
				line += " " + e.Reason
			}
			if e.Details != "" {
				line += fmt.Sprintf(" %s(%s)%s", colorDim, e.Details, colorReset)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func colorState(state string) string {
	switch state {
	case "connected":
		return colorGreen + state + colorReset
	case "connecting":
		return colorYellow + state + colorReset
	case "error":
		return colorRed + state + colorReset
	default:
		return state
	}
}

// formatAge renders a duration rounded to the second, never negative.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func formatEventTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format(time.DateTime)
}
