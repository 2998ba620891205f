package supervisor

import (
	"context"
	"time"

	"wanistream/app/logger"
	"wanistream/app/model"

	"go.uber.org/zap"
)

// Starter 启动单个任务
type Starter interface {
	Start(ctx context.Context, job *model.Stream) error
}

// ResumeReport 启动恢复结果
type ResumeReport struct {
	Total   int    `json:"total"`
	Resumed []uint `json:"resumed"`
	Failed  []uint `json:"failed"`
	Errored []uint `json:"errored"`
}

// Resumer 服务启动时恢复上次未正常结束的推流
type Resumer struct {
	catalogue  Catalogue
	prober     Prober
	starter    Starter
	reconciler *Reconciler
	delay      time.Duration
	logger     *logger.Logger
}

// NewResumer 创建启动恢复器，reconciler 可为空
func NewResumer(catalogue Catalogue, prober Prober, starter Starter, reconciler *Reconciler, delay time.Duration, log *logger.Logger) *Resumer {
	return &Resumer{
		catalogue:  catalogue,
		prober:     prober,
		starter:    starter,
		reconciler: reconciler,
		delay:      delay,
		logger:     log,
	}
}

// Resume 逐个恢复 active 任务，任务之间间隔 delay；完成后启动健康巡检
func (r *Resumer) Resume(ctx context.Context) ResumeReport {
	var report ResumeReport
	defer func() {
		if r.reconciler != nil && ctx.Err() == nil {
			r.reconciler.Start()
		}
	}()

	jobs, err := r.catalogue.ListActiveJobs(ctx)
	if err != nil {
		r.logger.Error("读取待恢复推流失败", zap.Error(err))
		return report
	}
	report.Total = len(jobs)
	if len(jobs) == 0 {
		return report
	}
	r.logger.Info("开始恢复推流", zap.Int("count", len(jobs)))

	for i := range jobs {
		job := &jobs[i]
		log := r.logger.With(zap.Uint("stream_id", job.ID))

		if reason := r.invalid(job); reason != "" {
			log.Warn("推流无法恢复，标记为失败", zap.String("reason", reason))
			r.markFailed(ctx, job.ID, reason)
			report.Failed = append(report.Failed, job.ID)
			continue
		}

		if len(report.Resumed)+len(report.Errored) > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return report
			case <-time.After(r.delay):
			}
		}

		if err := r.starter.Start(ctx, job); err != nil {
			log.Error("恢复推流失败", zap.Error(err))
			report.Errored = append(report.Errored, job.ID)
			continue
		}
		report.Resumed = append(report.Resumed, job.ID)
	}

	r.logger.Info("推流恢复完成",
		zap.Int("resumed", len(report.Resumed)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("errored", len(report.Errored)),
	)
	return report
}

func (r *Resumer) invalid(job *model.Stream) string {
	if !job.HasEndpoint() {
		return ErrNoEndpoint.Error()
	}
	if !r.prober.Exists(job.VideoPath) {
		return ErrMediaMissing.Error() + ": " + job.VideoPath
	}
	return ""
}

func (r *Resumer) markFailed(ctx context.Context, id uint, reason string) {
	err := r.catalogue.UpdateStatus(ctx, id, model.StreamStatusFailed, map[string]any{
		"error_message": reason,
		"actual_end":    time.Now(),
	})
	if err != nil {
		r.logger.Error("更新任务状态失败", zap.Uint("stream_id", id), zap.Error(err))
	}
}
