package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wanistream/app/config"
	"wanistream/app/logger"
	"wanistream/app/model"
	"wanistream/app/supervisor"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Catalogue 调度需要的目录查询
type Catalogue interface {
	ListScheduledDue(ctx context.Context, now time.Time) ([]model.Stream, error)
	ListEndedActive(ctx context.Context, now time.Time) ([]model.Stream, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner 启停推流
type Runner interface {
	Start(ctx context.Context, job *model.Stream) error
	Stop(ctx context.Context, id uint) error
}

// TickReport 一次调度的结果
type TickReport struct {
	Due      int `json:"due"`
	Started  int `json:"started"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
	Ended    int `json:"ended"`
}

// Scheduler 定时启动到期任务、结束到点任务并清理历史记录
type Scheduler struct {
	cfg       config.SchedulerConfig
	catalogue Catalogue
	runner    Runner
	logger    *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New 创建调度器
func New(cfg config.SchedulerConfig, catalogue Catalogue, runner Runner, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		catalogue: catalogue,
		runner:    runner,
		logger:    log,
	}
}

// Start 注册定时任务并启动 cron
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.logger.Logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	if _, err := c.AddFunc(s.cfg.TickSpec, func() { s.Tick(context.Background()) }); err != nil {
		return fmt.Errorf("注册调度任务失败 (%s): %w", s.cfg.TickSpec, err)
	}
	if _, err := c.AddFunc(s.cfg.CleanupSpec, func() { _, _ = s.Cleanup(context.Background()) }); err != nil {
		return fmt.Errorf("注册清理任务失败 (%s): %w", s.cfg.CleanupSpec, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("调度器已启动",
		zap.String("tick", s.cfg.TickSpec),
		zap.String("cleanup", s.cfg.CleanupSpec),
	)
	return nil
}

// Stop 停止 cron 并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	s.logger.Info("调度器已停止")
}

// Tick 依次启动到期任务，单个失败不影响后续；到达计划结束时间的任务被停止
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	var report TickReport
	now := time.Now()

	due, err := s.catalogue.ListScheduledDue(ctx, now)
	if err != nil {
		s.logger.Error("读取到期任务失败", zap.Error(err))
	}
	report.Due = len(due)

	for i := range due {
		job := &due[i]
		log := s.logger.With(zap.Uint("stream_id", job.ID), zap.String("title", job.Title))

		err := s.runner.Start(ctx, job)
		var admissionErr *supervisor.AdmissionError
		switch {
		case err == nil:
			report.Started++
			log.Info("定时推流已启动")
		case errors.As(err, &admissionErr):
			report.Rejected++
			log.Warn("定时推流因资源不足暂缓", zap.String("reason", admissionErr.Reason))
		case errors.Is(err, supervisor.ErrAlreadyRunning):
		default:
			report.Failed++
			log.Error("定时推流启动失败", zap.Error(err))
		}
	}

	ended, err := s.catalogue.ListEndedActive(ctx, now)
	if err != nil {
		s.logger.Error("读取到点结束任务失败", zap.Error(err))
	}
	for _, job := range ended {
		if err := s.runner.Stop(ctx, job.ID); err != nil {
			s.logger.Error("结束到点推流失败", zap.Uint("stream_id", job.ID), zap.Error(err))
			continue
		}
		report.Ended++
		s.logger.Info("推流已到计划结束时间", zap.Uint("stream_id", job.ID))
	}

	return report
}

// Cleanup 删除超过保留天数的终态任务
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	n, err := s.catalogue.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("清理历史推流记录失败", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		s.logger.Info("已清理历史推流记录", zap.Int64("count", n), zap.Time("before", cutoff))
	}
	return n, nil
}
