package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaMissing 输入视频不存在，任务直接失败且不重试
	ErrMediaMissing = errors.New("输入视频不存在")
	// ErrNoEndpoint 任务缺少推流地址或密钥
	ErrNoEndpoint = errors.New("缺少推流地址")
	// ErrRetryExhausted 重试次数耗尽
	ErrRetryExhausted = errors.New("重试次数已耗尽")
	// ErrAlreadyRunning 任务已有进程在运行或正在启动
	ErrAlreadyRunning = errors.New("任务已在运行")
	// ErrJobNotFound 目录中不存在该任务
	ErrJobNotFound = errors.New("任务不存在")
	// ErrShuttingDown 服务正在关闭，不再接受启动
	ErrShuttingDown = errors.New("服务正在关闭")
)

// AdmissionError 资源准入被拒绝，立即返回给调用方，不进入重试
type AdmissionError struct {
	Reason     string
	Suggestion string
}

func (e *AdmissionError) Error() string {
	if e.Suggestion == "" {
		return "资源不足: " + e.Reason
	}
	return fmt.Sprintf("资源不足: %s（%s）", e.Reason, e.Suggestion)
}

// SpawnError 编码进程无法启动，按崩溃同样的退避策略重试
type SpawnError struct {
	JobID uint
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("推流 %d 启动编码进程失败: %v", e.JobID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
