//go:build linux

package registry

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setParentDeathSignal kills the scope if the registry dies without
// cleaning up.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = unix.SIGKILL
}
