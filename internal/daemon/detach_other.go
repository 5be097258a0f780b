//go:build !unix

package daemon

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr {
	return nil
}
