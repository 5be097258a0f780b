//go:build !unix

package pool

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// terminateGroup waits for the worker to exit after its stdin was closed and
// kills it after timeout. There are no process groups to signal here.
func terminateGroup(process *os.Process, done <-chan struct{}, timeout time.Duration, logger *slog.Logger) error {
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	logger.Warn(fmt.Sprintf("Worker did not exit within %v, forcing kill", timeout))
	if err := process.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("failed to kill worker: %w", err)
	}
	<-done
	return nil
}
