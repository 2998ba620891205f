package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/encoder"
	"wanistream/app/hostmetrics"
	"wanistream/app/logger"
	"wanistream/app/media"
	"wanistream/app/model"
	"wanistream/app/store"
	"wanistream/app/supervisor"
)

type idleHost struct{}

func (idleHost) CurrentLoad() (hostmetrics.Load, error) {
	return hostmetrics.Load{CPUPercent: 5, MemPercent: 20, FreeMemMB: 4096}, nil
}

type blockingProcess struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *blockingProcess) PID() int                 { return p.pid }
func (p *blockingProcess) LogPath() string          { return "" }
func (p *blockingProcess) Signal(os.Signal) error   { return p.Kill() }
func (p *blockingProcess) Kill() error              { p.once.Do(func() { close(p.done) }); return nil }
func (p *blockingProcess) Done() <-chan struct{}    { return p.done }
func (p *blockingProcess) Wait() encoder.ExitStatus { <-p.done; return encoder.ExitStatus{Code: -1, Signal: "killed"} }

type countingLauncher struct {
	mu    sync.Mutex
	count int
}

func (l *countingLauncher) Launch(encoder.Command) (encoder.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	return &blockingProcess{pid: 100 + l.count, done: make(chan struct{})}, nil
}

type env struct {
	store     *store.StreamStore
	sup       *supervisor.Supervisor
	scheduler *Scheduler
	launcher  *countingLauncher
	video     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "scheduler_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	video := filepath.Join(dir, "loop.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Quality.MaxConcurrent = 5
	cfg.Supervisor.LiveNotifyDelay = time.Hour

	streams := store.NewStreamStore(db)
	launcher := &countingLauncher{}
	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Log:       logger.NewNop(),
		Advisor:   supervisor.NewAdvisor(cfg.Quality, idleHost{}),
		Catalogue: streams,
		// ffprobe 不存在时按无元数据处理，走重编码
		Prober:   media.NewFFProbe(filepath.Join(dir, "no-ffprobe"), time.Minute),
		Launcher: launcher,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sup.StopAll(ctx)
	})

	return &env{
		store:     streams,
		sup:       sup,
		scheduler: New(cfg.Scheduler, streams, sup, logger.NewNop()),
		launcher:  launcher,
		video:     video,
	}
}

func (e *env) create(t *testing.T, s *model.Stream) {
	t.Helper()
	if err := e.store.Create(context.Background(), s); err != nil {
		t.Fatalf("create stream: %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestTickStartsDueJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, &model.Stream{
		ID:             7,
		Type:           model.StreamTypeManualKey,
		Status:         model.StreamStatusScheduled,
		Title:          "night loop",
		VideoPath:      e.video,
		RTMPURL:        "rtmp://a.rtmp.youtube.com/live2",
		StreamKey:      "key-7",
		ScheduledStart: ptr(time.Now().Add(-time.Second)),
	})

	report := e.scheduler.Tick(ctx)
	if report.Started != 1 {
		t.Fatalf("report = %+v", report)
	}

	job, err := e.store.GetJob(ctx, 7)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StreamStatusActive {
		t.Fatalf("status = %s, want active", job.Status)
	}
	if job.ActualStart == nil {
		t.Fatal("actual_start not set")
	}
	if job.EncodeMode != model.EncodeModeReencode {
		t.Fatalf("encode mode = %s", job.EncodeMode)
	}
	if _, ok := e.sup.Registry().Lookup(7); !ok {
		t.Fatal("job 7 not registered")
	}

	// 已在运行的任务不会被再次选中
	e.scheduler.Tick(ctx)
	if e.launcher.count != 1 {
		t.Fatalf("launches = %d, want 1", e.launcher.count)
	}
}

func TestTickContinuesPastFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	e.create(t, &model.Stream{Status: model.StreamStatusScheduled, Title: "missing", VideoPath: "/nope.mp4",
		RTMPURL: "rtmp://x/live", StreamKey: "a", ScheduledStart: ptr(past.Add(-time.Minute))})
	e.create(t, &model.Stream{Status: model.StreamStatusScheduled, Title: "ok", VideoPath: e.video,
		RTMPURL: "rtmp://x/live", StreamKey: "b", ScheduledStart: ptr(past)})
	e.create(t, &model.Stream{Status: model.StreamStatusScheduled, Title: "future", VideoPath: e.video,
		RTMPURL: "rtmp://x/live", StreamKey: "c", ScheduledStart: ptr(time.Now().Add(time.Hour))})

	report := e.scheduler.Tick(ctx)
	if report.Due != 2 || report.Failed != 1 || report.Started != 1 {
		t.Fatalf("report = %+v", report)
	}

	missing, _ := e.store.GetJob(ctx, 1)
	if missing.Status != model.StreamStatusFailed {
		t.Fatalf("missing media status = %s, want failed", missing.Status)
	}
	future, _ := e.store.GetJob(ctx, 3)
	if future.Status != model.StreamStatusScheduled {
		t.Fatalf("future job status = %s", future.Status)
	}
}

func TestTickStopsJobsPastScheduledEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, &model.Stream{
		Status:       model.StreamStatusScheduled,
		Title:        "short",
		VideoPath:    e.video,
		RTMPURL:      "rtmp://x/live",
		StreamKey:    "k",
		ScheduledEnd: ptr(time.Now().Add(-time.Second)),
	})
	if err := e.sup.StartByID(ctx, 1); err != nil {
		t.Fatalf("StartByID: %v", err)
	}

	report := e.scheduler.Tick(ctx)
	if report.Ended != 1 {
		t.Fatalf("report = %+v", report)
	}
	job, _ := e.store.GetJob(ctx, 1)
	if job.Status != model.StreamStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if e.sup.Registry().Len() != 0 {
		t.Fatal("stopped job still registered")
	}
}

func TestCleanupRemovesOldTerminalRows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -45)
	e.create(t, &model.Stream{Status: model.StreamStatusCompleted, Title: "old", CreatedAt: old})
	e.create(t, &model.Stream{Status: model.StreamStatusActive, Title: "old but live", CreatedAt: old})
	e.create(t, &model.Stream{Status: model.StreamStatusFailed, Title: "recent"})

	n, err := e.scheduler.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := e.store.GetJob(ctx, 2); err != nil {
		t.Fatalf("active row deleted: %v", err)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	cfg := config.Default().Scheduler
	cfg.TickSpec = "every minute please"
	s := New(cfg, nil, nil, logger.NewNop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected invalid spec error")
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	if err := e.scheduler.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.scheduler.Stop()
	e.scheduler.Stop()
}

var _ Runner = (*supervisor.Supervisor)(nil)
