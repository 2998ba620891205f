package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"wanistream/app/logger"

	"go.uber.org/zap"
)

// ReconcileReport 一次巡检的结果
type ReconcileReport struct {
	Checked     int `json:"checked"`
	Resurrected int `json:"resurrected"`
	Failed      int `json:"failed"`
}

// Reconciler 定时比对目录中的 active 任务与进程表，复活丢失的进程
type Reconciler struct {
	sup       *Supervisor
	catalogue Catalogue
	interval  time.Duration
	logger    *logger.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	ticker   *time.Ticker
}

// NewReconciler 创建健康巡检
func NewReconciler(sup *Supervisor, catalogue Catalogue, interval time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		sup:       sup,
		catalogue: catalogue,
		interval:  interval,
		logger:    log,
	}
}

// Start 启动巡检循环，重复调用无效
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		return
	}

	r.stopChan = make(chan struct{})
	r.ticker = time.NewTicker(r.interval)
	r.wg.Add(1)
	go r.run(r.ticker, r.stopChan)

	r.logger.Info("健康巡检已启动", zap.Duration("interval", r.interval))
}

// Stop 停止巡检循环
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	r.ticker.Stop()
	r.ticker = nil
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("健康巡检已停止")
}

func (r *Reconciler) run(ticker *time.Ticker, stop chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-stop:
			return
		}
	}
}

// Reconcile 对每个目录中 active 但没有被守护的任务最多复活一次
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	jobs, err := r.catalogue.ListActiveJobs(ctx)
	if err != nil {
		r.logger.Error("巡检读取推流任务失败", zap.Error(err))
		return report
	}

	seen := make(map[uint]struct{}, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if _, dup := seen[job.ID]; dup {
			continue
		}
		seen[job.ID] = struct{}{}
		report.Checked++

		if r.sup.IsSupervised(job.ID) {
			continue
		}

		log := r.logger.With(zap.Uint("stream_id", job.ID))
		log.Warn("任务处于推流状态但没有编码进程，尝试恢复")

		err := r.sup.Resurrect(ctx, job)
		switch {
		case err == nil:
			report.Resurrected++
		case errors.Is(err, ErrRetryExhausted), errors.Is(err, ErrMediaMissing), errors.Is(err, ErrNoEndpoint):
			report.Failed++
			log.Error("任务无法恢复，已标记为失败", zap.Error(err))
		default:
			log.Warn("恢复任务失败，下次巡检重试", zap.Error(err))
		}
	}

	if report.Resurrected > 0 || report.Failed > 0 {
		r.logger.Info("巡检完成",
			zap.Int("checked", report.Checked),
			zap.Int("resurrected", report.Resurrected),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}
