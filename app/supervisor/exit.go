package supervisor

import (
	"context"
	"fmt"
	"time"

	"wanistream/app/encoder"
	"wanistream/app/model"

	"go.uber.org/zap"
)

// ExitKind 进程退出分类
type ExitKind string

const (
	ExitStopped  ExitKind = "stopped"  // 主动停止
	ExitNatural  ExitKind = "natural"  // 退出码 0，循环输入下不应发生
	ExitAbnormal ExitKind = "abnormal" // 非零退出码或被信号终止
)

// ExitOutcome 退出监听交给状态转换函数的结果
type ExitOutcome struct {
	JobID  uint
	RunID  string
	Kind   ExitKind
	Code   int
	Signal string
	Uptime time.Duration
	Mode   model.EncodeMode
	Err    error
}

func (o ExitOutcome) Reason() string {
	switch {
	case o.Kind == ExitNatural:
		return fmt.Sprintf("编码进程意外正常退出（运行 %s）", o.Uptime.Round(time.Second))
	case o.Signal != "":
		return fmt.Sprintf("编码进程被信号 %s 终止（运行 %s）", o.Signal, o.Uptime.Round(time.Second))
	case o.Err != nil:
		return fmt.Sprintf("等待编码进程失败: %v", o.Err)
	default:
		return fmt.Sprintf("编码进程退出码 %d（运行 %s）", o.Code, o.Uptime.Round(time.Second))
	}
}

// classifyExit 主动停止只看 StopRequested 标记，不根据信号名推断
func classifyExit(rp *RunningProcess, status encoder.ExitStatus, now time.Time) ExitOutcome {
	out := ExitOutcome{
		JobID:  rp.JobID,
		RunID:  rp.RunID,
		Code:   status.Code,
		Signal: status.Signal,
		Uptime: now.Sub(rp.StartedAt),
		Mode:   rp.Mode,
		Err:    status.Err,
	}
	switch {
	case rp.StopRequested():
		out.Kind = ExitStopped
	case status.Code == 0 && status.Signal == "" && status.Err == nil:
		out.Kind = ExitNatural
	default:
		out.Kind = ExitAbnormal
	}
	return out
}

// watch 每个进程一个退出监听
func (s *Supervisor) watch(rp *RunningProcess) {
	status := rp.proc.Wait()
	s.onExit(classifyExit(rp, status, time.Now()))
}

// onExit 退出后的状态转换
func (s *Supervisor) onExit(out ExitOutcome) {
	log := s.log.With(zap.Uint("stream_id", out.JobID), zap.String("run_id", out.RunID))

	if out.Kind == ExitStopped {
		log.Info("编码进程已按请求退出", zap.Int("code", out.Code), zap.String("signal", out.Signal))
		return
	}

	unlock := s.lockJob(out.JobID)
	defer unlock()

	// 不在进程表中说明已被停止或已被新的运行替换
	if !s.registry.RemoveRun(out.JobID, out.RunID) {
		log.Debug("进程已不在进程表中，忽略退出")
		return
	}

	log.Warn("编码进程退出",
		zap.String("kind", string(out.Kind)),
		zap.Int("code", out.Code),
		zap.String("signal", out.Signal),
		zap.Duration("uptime", out.Uptime),
		zap.String("mode", string(out.Mode)),
	)
	s.emit(Event{Type: EventExited, JobID: out.JobID, RunID: out.RunID, Mode: out.Mode, Message: out.Reason()})

	s.retryOrFail(context.Background(), out.JobID, out.Mode, out.Uptime, out.Reason())
}
