//go:build !linux

package registry

import "syscall"

func setParentDeathSignal(*syscall.SysProcAttr) {}
