package encoder

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"wanistream/app/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Command 一次进程启动请求
type Command struct {
	JobID uint
	RunID string
	Args  []string
}

// ExitStatus 进程退出结果
type ExitStatus struct {
	Code   int    // 被信号终止时为 -1
	Signal string // 终止信号名称，正常退出时为空
	Err    error  // 等待进程本身出错（非退出码）
}

// Process 已启动的编码进程
type Process interface {
	PID() int
	LogPath() string
	Signal(sig os.Signal) error
	Kill() error
	// Wait 阻塞直到进程退出，可重复调用
	Wait() ExitStatus
	Done() <-chan struct{}
}

// Launcher 启动编码进程
type Launcher interface {
	Launch(cmd Command) (Process, error)
}

// ExecLauncher 以独立进程组启动 ffmpeg，输出写入按任务轮转的日志文件
type ExecLauncher struct {
	cfg config.EncoderConfig
}

// NewExecLauncher 创建进程启动器
func NewExecLauncher(cfg config.EncoderConfig) *ExecLauncher {
	return &ExecLauncher{cfg: cfg}
}

// Launch 启动进程；进程生命周期不受调用方 context 影响
func (l *ExecLauncher) Launch(c Command) (Process, error) {
	bin := l.cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("找不到编码程序 %s: %w", bin, err)
	}

	logDir := l.cfg.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建推流日志目录失败: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fmt.Sprintf("stream-%d.log", c.JobID)),
		MaxSize:    l.cfg.LogMaxSize,
		MaxBackups: l.cfg.LogMaxBackups,
	}
	fmt.Fprintf(sink, "\n=== run %s started at %s ===\n%s %s\n",
		c.RunID, time.Now().Format(time.RFC3339), bin, strings.Join(c.Args, " "))

	cmd := exec.Command(bin, c.Args...)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		sink.Close()
		return nil, err
	}

	p := &execProcess{
		cmd:     cmd,
		logPath: sink.Filename,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.status = exitStatusOf(cmd.ProcessState, err)
		fmt.Fprintf(sink, "=== run %s exited: code=%d signal=%s ===\n", c.RunID, p.status.Code, p.status.Signal)
		sink.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
	once    sync.Once
	status  ExitStatus
}

func (p *execProcess) PID() int        { return p.cmd.Process.Pid }
func (p *execProcess) LogPath() string { return p.logPath }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}
