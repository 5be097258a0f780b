package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream host logs in real-time",
		Long: `Stream host logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  tunnel  - Relay connection, backoff and keepalive
  client  - Remote clients connecting and disconnecting
  worker  - Worker processes spawned, reused and terminated
  network - Network changes and wake from sleep
  auth    - Sign in and token refresh

Examples:
  tunnel-proxy logs             # Stream INFO and above
  tunnel-proxy logs -v          # Include DEBUG logs
  tunnel-proxy logs -F worker   # Filter to worker events
  tunnel-proxy logs -F tun-3    # Filter by keyword
  tunnel-proxy logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the host is restarted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daemon.IsRunning() {
				return fmt.Errorf("tunnel-proxy is not running. Use 'tunnel-proxy start' to start it")
			}

			verbose := core.Config != nil && core.Config.Verbose > 0
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			// History is only shown on the first connection
			isReconnect := false

			for {
				conn, err := net.Dial("unix", core.GetSocketPath())
				if err != nil {
					return fmt.Errorf("failed to connect to tunnel-proxy: %w", err)
				}

				logsCmd := fmt.Sprintf("LOGS %d", lines)
				if isReconnect {
					logsCmd += " no_history"
				}
				if _, err := conn.Write([]byte(logsCmd + "\n")); err != nil {
					conn.Close()
					return fmt.Errorf("failed to send LOGS command: %w", err)
				}

				done := make(chan struct{})
				go func() {
					defer close(done)
					reader := bufio.NewReader(conn)
					for {
						line, err := reader.ReadString('\n')
						if err != nil {
							return
						}
						if !verbose && isDebugLog(line) {
							continue
						}
						if filter != "" && !matchesFilter(line, filter) {
							continue
						}
						if noColor {
							line = stripANSI(line)
						}
						fmt.Print(line)
					}
				}()

				select {
				case <-sigChan:
					conn.Close()
					fmt.Println("\nDisconnected from tunnel-proxy logs.")
					return nil
				case <-done:
					conn.Close()
					fmt.Println("Connection lost. Reconnecting...")
					time.Sleep(500 * time.Millisecond)

					if err := daemon.WaitForDaemon(5 * time.Second); err != nil {
						fmt.Println("tunnel-proxy not available. Exiting.")
						return nil
					}
					isReconnect = true
				}
			}
		},
	}

	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (tunnel, client, worker, network, auth)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")
	logsCmd.RegisterFlagCompletionFunc("filter", filterCompletionFunc)

	return logsCmd
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	// Check for plain DBG
	if strings.Contains(line, " DBG ") || strings.Contains(line, "\tDBG\t") {
		return true
	}
	// Check for ANSI-colored DBG (gray color: \033[90mDBG\033[0m)
	if strings.Contains(line, "\033[90mDBG\033[0m") {
		return true
	}
	// Strip ANSI and check again
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t")
}

// matchesFilter checks if a log line matches the filter criteria
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(line)

	// Check for exact category matches
	switch filter {
	case "tunnel":
		return strings.Contains(lineLower, "tunnel") ||
			strings.Contains(lineLower, "relay") ||
			strings.Contains(lineLower, "keepalive")
	case "client":
		return strings.Contains(lineLower, "client")
	case "worker":
		return strings.Contains(lineLower, "worker") ||
			strings.Contains(lineLower, "dir=")
	case "network":
		return strings.Contains(lineLower, "network") ||
			strings.Contains(lineLower, "wake") ||
			strings.Contains(lineLower, "sleep")
	case "auth":
		return strings.Contains(lineLower, "sign in") ||
			strings.Contains(lineLower, "token") ||
			strings.Contains(lineLower, "device flow")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
