//go:build unix

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the worker's process group, waits for the
// worker to exit, then falls back to SIGKILL.
func terminateGroup(process *os.Process, done <-chan struct{}, timeout time.Duration, logger *slog.Logger) error {
	pgid := -process.Pid

	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		logger.Warn("Failed to send SIGTERM to worker, forcing kill", "error", err)
		return killGroup(pgid, done, logger)
	}

	select {
	case <-done:
		logger.Info("Worker terminated gracefully")
		return nil
	case <-time.After(timeout):
	}

	logger.Warn(fmt.Sprintf("Worker did not exit within %v, forcing kill", timeout))
	return killGroup(pgid, done, logger)
}

func killGroup(pgid int, done <-chan struct{}, logger *slog.Logger) error {
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill worker: %w", err)
	}

	// Verify kill succeeded
	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
		logger.Error("Worker survived SIGKILL")
		return fmt.Errorf("worker survived SIGKILL")
	}
}
