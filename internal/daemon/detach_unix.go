//go:build unix

package daemon

import "syscall"

// detachedProcAttr starts the host in its own session so that closing the
// launching terminal does not signal it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
