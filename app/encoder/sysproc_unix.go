//go:build !windows

package encoder

import "syscall"

// detachedAttr 让 ffmpeg 脱离服务进程组，终端信号不会直接传给编码进程
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
