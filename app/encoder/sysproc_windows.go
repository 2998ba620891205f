//go:build windows

package encoder

import "syscall"

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}
