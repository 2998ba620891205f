package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"wanistream/app/config"
	"wanistream/app/encoder"
	"wanistream/app/logger"
	"wanistream/app/media"
	"wanistream/app/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	writeTimeout  = 10 * time.Second
	startTimeout  = 30 * time.Second
	notifyTimeout = 30 * time.Second
)

// Catalogue 推流任务目录，目录中不存在时返回 gorm.ErrRecordNotFound
type Catalogue interface {
	GetJob(ctx context.Context, id uint) (*model.Stream, error)
	ListActiveJobs(ctx context.Context) ([]model.Stream, error)
	ListScheduledDue(ctx context.Context, now time.Time) ([]model.Stream, error)
	UpdateStatus(ctx context.Context, id uint, status model.StreamStatus, fields map[string]any) error
	MarkAllActive(ctx context.Context, status model.StreamStatus, fields map[string]any) (int64, error)
}

// Prober 输入视频检查
type Prober interface {
	Exists(path string) bool
	Probe(ctx context.Context, path string) (*media.Metadata, error)
}

// Notifier 直播平台生命周期通知，失败只记录日志
type Notifier interface {
	NotifyLive(ctx context.Context, job *model.Stream) error
	NotifyComplete(ctx context.Context, job *model.Stream) error
}

// Deps 守护器依赖
type Deps struct {
	Config    *config.Config
	Log       *logger.Logger
	Registry  *Registry
	Advisor   *Advisor
	Catalogue Catalogue
	Prober    Prober
	Launcher  encoder.Launcher
	Notifier  Notifier // 可为空
	Events    EventSink // 可为空
}

// Supervisor 负责编码进程的启动、退出处理、重试退避与停止
type Supervisor struct {
	cfg        config.SupervisorConfig
	encCfg     config.EncoderConfig
	log        *logger.Logger
	registry   *Registry
	advisor    *Advisor
	catalogue  Catalogue
	prober     Prober
	launcher   encoder.Launcher
	notifier   Notifier
	events     EventSink
	copyCodecs map[string]bool

	mu       sync.Mutex
	jobLocks map[uint]*sync.Mutex
	retries  map[uint]int
	fallback map[uint]bool
	pending  map[uint]*time.Timer
	starting map[uint]struct{}
	admitted map[uint]struct{}
	closed   bool
}

// New 创建守护器
func New(d Deps) *Supervisor {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Log == nil {
		d.Log = logger.NewNop()
	}

	codecs := make(map[string]bool, len(d.Config.Encoder.CopyCodecs))
	for _, c := range d.Config.Encoder.CopyCodecs {
		codecs[strings.ToLower(strings.TrimSpace(c))] = true
	}

	return &Supervisor{
		cfg:        d.Config.Supervisor,
		encCfg:     d.Config.Encoder,
		log:        d.Log,
		registry:   d.Registry,
		advisor:    d.Advisor,
		catalogue:  d.Catalogue,
		prober:     d.Prober,
		launcher:   d.Launcher,
		notifier:   d.Notifier,
		events:     d.Events,
		copyCodecs: codecs,
		jobLocks:   make(map[uint]*sync.Mutex),
		retries:    make(map[uint]int),
		fallback:   make(map[uint]bool),
		pending:    make(map[uint]*time.Timer),
		starting:   make(map[uint]struct{}),
		admitted:   make(map[uint]struct{}),
	}
}

func (s *Supervisor) Registry() *Registry { return s.registry }
func (s *Supervisor) Advisor() *Advisor   { return s.advisor }

// Start 启动任务。资源不足返回 *AdmissionError 且不重试；视频缺失时任务标记为失败
func (s *Supervisor) Start(ctx context.Context, job *model.Stream) error {
	unlock := s.lockJob(job.ID)
	defer unlock()

	if err := s.beginStart(job.ID); err != nil {
		return err
	}
	defer s.endStart(job.ID)

	s.cancelPending(job.ID)
	return s.spawn(ctx, job)
}

// StartByID 从目录读取任务后启动
func (s *Supervisor) StartByID(ctx context.Context, id uint) error {
	job, err := s.catalogue.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	return s.Start(ctx, job)
}

// Resurrect 巡检发现任务丢失进程时调用，超过巡检复活上限则标记失败
func (s *Supervisor) Resurrect(ctx context.Context, job *model.Stream) error {
	retries := max(s.Retries(job.ID), job.RetryCount)
	if retries > s.cfg.ReconcileMaxRestarts {
		unlock := s.lockJob(job.ID)
		s.fail(ctx, job.ID, fmt.Sprintf("%s: 巡检已复活 %d 次", ErrRetryExhausted, retries))
		unlock()
		return ErrRetryExhausted
	}

	s.mu.Lock()
	prev, had := s.retries[job.ID]
	s.retries[job.ID] = retries + 1
	s.mu.Unlock()

	err := s.Start(ctx, job)
	var admission *AdmissionError
	if errors.As(err, &admission) || errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrShuttingDown) {
		// 没有真正启动，不计入复活次数
		s.mu.Lock()
		if s.retries[job.ID] == retries+1 {
			if had {
				s.retries[job.ID] = prev
			} else {
				delete(s.retries, job.ID)
			}
		}
		s.mu.Unlock()
		return err
	}
	if err == nil {
		// 启动后已被停止或退出的任务由对应路径落库
		unlock := s.lockJob(job.ID)
		if _, ok := s.registry.Lookup(job.ID); ok {
			s.persist(ctx, job.ID, model.StreamStatusActive, map[string]any{"retry_count": s.Retries(job.ID)})
		}
		unlock()
	}
	return err
}

// spawn 调用方需持有任务锁
func (s *Supervisor) spawn(ctx context.Context, job *model.Stream) error {
	log := s.log.With(zap.Uint("stream_id", job.ID))

	if !job.HasEndpoint() {
		s.fail(ctx, job.ID, ErrNoEndpoint.Error())
		return ErrNoEndpoint
	}
	if !s.prober.Exists(job.VideoPath) {
		err := fmt.Errorf("%w: %s", ErrMediaMissing, job.VideoPath)
		s.fail(ctx, job.ID, err.Error())
		return err
	}

	meta, err := s.prober.Probe(ctx, job.VideoPath)
	if err != nil {
		log.Warn("读取视频信息失败，按无元数据处理", zap.Error(err))
		meta = nil
	}

	decision := s.admit(job.ID)
	if !decision.Accept {
		log.Warn("资源准入被拒绝", zap.String("reason", decision.Reason))
		return decision.Err()
	}
	defer s.release(job.ID)

	mode := s.encodeMode(job, meta)
	bitrate := s.advisor.TargetBitrate(meta, decision.Profile)
	args := encoder.BuildArgs(s.encCfg, encoder.Params{
		Input:       job.VideoPath,
		IngestURL:   job.IngestURL(),
		Mode:        mode,
		BitrateKbps: bitrate,
		BufsizeKbps: bitrate * 2,
		Preset:      decision.Profile.Preset,
	})

	runID := uuid.NewString()
	proc, err := s.launcher.Launch(encoder.Command{JobID: job.ID, RunID: runID, Args: args})
	if err != nil {
		spawnErr := &SpawnError{JobID: job.ID, Err: err}
		log.Error("编码进程启动失败", zap.Error(err))
		s.retryOrFail(ctx, job.ID, "", 0, spawnErr.Error())
		return spawnErr
	}

	now := time.Now()
	rp := &RunningProcess{
		JobID:       job.ID,
		RunID:       runID,
		PID:         proc.PID(),
		StartedAt:   now,
		Retries:     s.Retries(job.ID),
		Mode:        mode,
		BitrateKbps: bitrate,
		LogPath:     proc.LogPath(),
		proc:        proc,
	}
	if err := s.register(rp); err != nil {
		_ = proc.Kill()
		return err
	}

	fields := map[string]any{
		"encode_mode":   mode,
		"bitrate":       bitrate,
		"error_message": "",
	}
	if job.ActualStart == nil {
		fields["actual_start"] = now
	}
	s.persist(ctx, job.ID, model.StreamStatusActive, fields)

	go s.watch(rp)
	s.scheduleLiveNotify(job.ID, runID)

	log.Info("编码进程已启动",
		zap.Int("pid", rp.PID),
		zap.String("run_id", runID),
		zap.String("mode", string(mode)),
		zap.Int("bitrate_kbps", bitrate),
		zap.String("tier", string(decision.Profile.Tier)),
		zap.Int("retries", rp.Retries),
	)
	s.emit(Event{Type: EventStarted, JobID: job.ID, RunID: runID, Status: model.StreamStatusActive, Mode: mode, Retries: rp.Retries})
	return nil
}

// encodeMode 源视频编码可透传且没有回退标记时使用 copy
func (s *Supervisor) encodeMode(job *model.Stream, meta *media.Metadata) model.EncodeMode {
	s.mu.Lock()
	fellBack := s.fallback[job.ID]
	s.mu.Unlock()

	if fellBack || job.ForceReencode || meta == nil {
		return model.EncodeModeReencode
	}
	if s.copyCodecs[strings.ToLower(meta.Codec)] {
		return model.EncodeModeCopy
	}
	return model.EncodeModeReencode
}

// retryOrFail 崩溃与启动失败共用的重试路径，调用方需持有任务锁
func (s *Supervisor) retryOrFail(ctx context.Context, jobID uint, mode model.EncodeMode, uptime time.Duration, reason string) {
	log := s.log.With(zap.Uint("stream_id", jobID))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	retries := s.retries[jobID]
	if uptime >= s.cfg.StableAfter {
		retries = 0
	}

	fellBack := false
	if mode == model.EncodeModeCopy && uptime < s.cfg.FallbackGrace && !s.fallback[jobID] {
		s.fallback[jobID] = true
		fellBack = true
		retries = max(0, retries-s.cfg.FallbackForgiveness)
	}

	if retries >= s.cfg.MaxRetries {
		s.mu.Unlock()
		log.Error("重试次数耗尽，任务标记为失败", zap.Int("retries", retries), zap.String("reason", reason))
		s.fail(ctx, jobID, fmt.Sprintf("%s (%d 次): %s", ErrRetryExhausted, retries, reason))
		return
	}

	delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, retries)
	retries++
	s.retries[jobID] = retries
	if t, ok := s.pending[jobID]; ok {
		t.Stop()
	}
	s.pending[jobID] = time.AfterFunc(delay, func() { s.restart(jobID) })
	s.mu.Unlock()

	fields := map[string]any{
		"retry_count":   retries,
		"error_message": reason,
	}
	if fellBack {
		fields["force_reencode"] = true
		log.Warn("透传模式启动后很快崩溃，改为重编码", zap.Duration("uptime", uptime))
		s.emit(Event{Type: EventFallback, JobID: jobID, Mode: model.EncodeModeReencode, Retries: retries})
	}
	s.persist(ctx, jobID, model.StreamStatusActive, fields)

	log.Info("计划重启编码进程", zap.Int("attempt", retries), zap.Duration("delay", delay))
	s.emit(Event{Type: EventRetrying, JobID: jobID, Status: model.StreamStatusActive, Retries: retries, Delay: delay, Message: reason})
}

func (s *Supervisor) restart(jobID uint) {
	unlock := s.lockJob(jobID)
	defer unlock()

	s.mu.Lock()
	delete(s.pending, jobID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	log := s.log.With(zap.Uint("stream_id", jobID))
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	job, err := s.catalogue.GetJob(ctx, jobID)
	if err != nil {
		log.Error("重启前读取任务失败", zap.Error(err))
		return
	}
	if job.Status != model.StreamStatusActive {
		log.Info("任务已不是推流状态，取消重启", zap.String("status", string(job.Status)))
		s.forget(jobID)
		return
	}
	if _, ok := s.registry.Lookup(jobID); ok {
		return
	}

	if err := s.beginStart(jobID); err != nil {
		return
	}
	defer s.endStart(jobID)

	var admissionErr *AdmissionError
	if err := s.spawn(ctx, job); errors.As(err, &admissionErr) {
		log.Warn("重启时资源不足，等待巡检恢复", zap.String("reason", admissionErr.Reason))
	}
}

// Stop 主动结束任务：先移出进程表再发信号，通知失败不影响写入 completed
func (s *Supervisor) Stop(ctx context.Context, jobID uint) error {
	unlock := s.lockJob(jobID)
	defer unlock()

	log := s.log.With(zap.Uint("stream_id", jobID))
	s.forget(jobID)

	rp, running := s.registry.Remove(jobID)
	if running {
		rp.RequestStop()
		s.terminate(rp)
	}

	job, err := s.catalogue.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if running {
				return nil
			}
			return ErrJobNotFound
		}
		log.Error("读取任务失败", zap.Error(err))
		job = nil
	}

	if job != nil && s.notifier != nil && job.HasBroadcast() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		if err := s.notifier.NotifyComplete(nctx, job); err != nil {
			log.Warn("通知直播结束失败", zap.Error(err))
		}
		cancel()
	}

	end := time.Now()
	var duration int64
	if job != nil && job.ActualStart != nil {
		duration = max(0, int64(end.Sub(*job.ActualStart).Seconds()))
	}
	s.persist(ctx, jobID, model.StreamStatusCompleted, map[string]any{
		"actual_end":       end,
		"duration_seconds": duration,
		"retry_count":      0,
	})

	log.Info("推流已停止", zap.Bool("was_running", running), zap.Int64("duration_seconds", duration))
	s.emit(Event{Type: EventStopped, JobID: jobID, Status: model.StreamStatusCompleted})
	return nil
}

// StopAll 服务关闭时结束所有进程，任务标记为 interrupted，等待进程退出或 ctx 到期
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	ids := make(map[uint]struct{}, len(s.pending))
	for id, t := range s.pending {
		t.Stop()
		ids[id] = struct{}{}
	}
	s.pending = make(map[uint]*time.Timer)
	s.retries = make(map[uint]int)
	s.mu.Unlock()

	procs := s.registry.drain()
	for _, rp := range procs {
		rp.RequestStop()
		s.terminate(rp)
		ids[rp.JobID] = struct{}{}
	}

	now := time.Now()
	for id := range ids {
		s.persist(ctx, id, model.StreamStatusInterrupted, map[string]any{"actual_end": now})
	}

	for _, rp := range procs {
		select {
		case <-rp.proc.Done():
		case <-ctx.Done():
			s.log.Warn("等待编码进程退出超时", zap.Uint("stream_id", rp.JobID))
			return
		}
	}
	s.log.Info("所有推流已停止", zap.Int("count", len(ids)))
}

// ForceCleanup 强制杀掉所有进程并把所有 active 任务标记为 completed
func (s *Supervisor) ForceCleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = make(map[uint]*time.Timer)
	s.retries = make(map[uint]int)
	s.mu.Unlock()

	procs := s.registry.drain()
	for _, rp := range procs {
		rp.RequestStop()
		if err := rp.proc.Kill(); err != nil {
			s.log.Warn("强制结束编码进程失败", zap.Uint("stream_id", rp.JobID), zap.Error(err))
		}
	}

	n, err := s.catalogue.MarkAllActive(ctx, model.StreamStatusCompleted, map[string]any{"actual_end": time.Now()})
	if err != nil {
		return 0, fmt.Errorf("批量更新任务状态失败: %w", err)
	}
	s.log.Warn("已执行紧急清理", zap.Int("killed", len(procs)), zap.Int64("rows", n))
	return n, nil
}

// terminate 发送 SIGTERM，宽限期后仍未退出则 SIGKILL
func (s *Supervisor) terminate(rp *RunningProcess) {
	if err := rp.proc.Signal(syscall.SIGTERM); err != nil {
		_ = rp.proc.Kill()
		return
	}
	time.AfterFunc(s.cfg.StopGrace, func() {
		select {
		case <-rp.proc.Done():
		default:
			s.log.Warn("编码进程未在宽限期内退出，强制结束", zap.Uint("stream_id", rp.JobID), zap.Int("pid", rp.PID))
			_ = rp.proc.Kill()
		}
	})
}

func (s *Supervisor) scheduleLiveNotify(jobID uint, runID string) {
	if s.notifier == nil {
		return
	}
	time.AfterFunc(s.cfg.LiveNotifyDelay, func() {
		rp, ok := s.registry.Lookup(jobID)
		if !ok || rp.RunID != runID {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		job, err := s.catalogue.GetJob(ctx, jobID)
		if err != nil || job.Status != model.StreamStatusActive || !job.HasBroadcast() {
			return
		}
		if err := s.notifier.NotifyLive(ctx, job); err != nil {
			s.log.Warn("通知直播开始失败", zap.Uint("stream_id", jobID), zap.Error(err))
		}
	})
}

// fail 终态失败，调用方需持有任务锁
func (s *Supervisor) fail(ctx context.Context, jobID uint, reason string) {
	s.forget(jobID)
	s.persist(ctx, jobID, model.StreamStatusFailed, map[string]any{
		"error_message": reason,
		"actual_end":    time.Now(),
	})
	s.emit(Event{Type: EventFailed, JobID: jobID, Status: model.StreamStatusFailed, Message: reason})
}

// persist 目录写入失败只记录日志，不回滚内存状态
func (s *Supervisor) persist(ctx context.Context, jobID uint, status model.StreamStatus, fields map[string]any) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.catalogue.UpdateStatus(wctx, jobID, status, fields); err != nil {
		s.log.Error("更新任务状态失败",
			zap.Uint("stream_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) emit(ev Event) {
	if s.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.events.Publish(ev)
}

func (s *Supervisor) lockJob(jobID uint) func() {
	s.mu.Lock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Supervisor) beginStart(jobID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.starting[jobID]; ok {
		return ErrAlreadyRunning
	}
	if _, ok := s.registry.Lookup(jobID); ok {
		return ErrAlreadyRunning
	}
	s.starting[jobID] = struct{}{}
	return nil
}

// admit 已准入但尚未登记的启动同样占用并发名额
func (s *Supervisor) admit(jobID uint) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	decision := s.advisor.Admit(s.registry.Len() + len(s.admitted))
	if decision.Accept {
		s.admitted[jobID] = struct{}{}
	}
	return decision
}

func (s *Supervisor) release(jobID uint) {
	s.mu.Lock()
	delete(s.admitted, jobID)
	s.mu.Unlock()
}

// register 登记进程并同时释放准入名额
func (s *Supervisor) register(rp *RunningProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admitted, rp.JobID)
	return s.registry.Register(rp)
}

func (s *Supervisor) endStart(jobID uint) {
	s.mu.Lock()
	delete(s.starting, jobID)
	s.mu.Unlock()
}

func (s *Supervisor) cancelPending(jobID uint) {
	s.mu.Lock()
	if t, ok := s.pending[jobID]; ok {
		t.Stop()
		delete(s.pending, jobID)
	}
	s.mu.Unlock()
}

// forget 取消待执行的重试并清空重试计数；回退标记保留
func (s *Supervisor) forget(jobID uint) {
	s.mu.Lock()
	if t, ok := s.pending[jobID]; ok {
		t.Stop()
		delete(s.pending, jobID)
	}
	delete(s.retries, jobID)
	s.mu.Unlock()
}

// Retries 当前连续重试次数
func (s *Supervisor) Retries(jobID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[jobID]
}

// FallbackActive 任务是否已被标记为强制重编码
func (s *Supervisor) FallbackActive(jobID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback[jobID]
}

// IsSupervised 任务是否有进程在运行、正在启动或等待重试
func (s *Supervisor) IsSupervised(jobID uint) bool {
	if _, ok := s.registry.Lookup(jobID); ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.starting[jobID]; ok {
		return true
	}
	_, ok := s.pending[jobID]
	return ok
}

// Snapshot 守护器状态快照
type Snapshot struct {
	Running        []ProcessInfo `json:"running"`
	PendingRetries map[uint]int  `json:"pending_retries"`
	Ceiling        int           `json:"ceiling"`
}

func (s *Supervisor) Status() Snapshot {
	snap := Snapshot{
		Running:        s.registry.Snapshot(time.Now()),
		PendingRetries: make(map[uint]int),
		Ceiling:        s.advisor.Ceiling(),
	}
	s.mu.Lock()
	for id := range s.pending {
		snap.PendingRetries[id] = s.retries[id]
	}
	s.mu.Unlock()
	return snap
}
