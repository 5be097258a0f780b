package daemon

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// hostBinaryName is matched against process command lines.
const hostBinaryName = "tunnel-proxy"

// ValidateHostProcess checks that pid is alive and is a tunnel-proxy host.
// This prevents signalling an unrelated process that reused a stale PID.
func ValidateHostProcess(pid int) bool {
	if pid <= 0 {
		return false
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		slog.Debug("Process not found", "pid", pid, "error", err)
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("Process not accessible", "pid", pid, "error", err)
		return false
	}
	args, err := proc.CmdlineSlice()
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", pid, "error", err)
		return false
	}

	if !isHostCommandLine(args) {
		slog.Debug("Process command line mismatch", "pid", pid, "actual", strings.Join(args, " "))
		return false
	}
	return true
}

// isHostCommandLine reports whether args is `<path>/tunnel-proxy run ...`.
func isHostCommandLine(args []string) bool {
	if len(args) < 2 {
		return false
	}
	if !strings.HasPrefix(filepath.Base(args[0]), hostBinaryName) {
		return false
	}
	for _, arg := range args[1:] {
		if arg == "run" {
			return true
		}
	}
	return false
}
