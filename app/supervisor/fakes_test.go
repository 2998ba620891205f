package supervisor

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"wanistream/app/config"
	"wanistream/app/encoder"
	"wanistream/app/hostmetrics"
	"wanistream/app/logger"
	"wanistream/app/media"
	"wanistream/app/model"

	"gorm.io/gorm"
)

type fakeProcess struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	status  encoder.ExitStatus
	exited  bool
	signals []os.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(status encoder.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.status = status
	close(p.done)
}

func (p *fakeProcess) PID() int        { return p.pid }
func (p *fakeProcess) LogPath() string { return "" }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM {
		p.exit(encoder.ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(encoder.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (p *fakeProcess) Wait() encoder.ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) gotSignal(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// fakeLauncher 记录所有启动请求；exitWith 非空时进程启动后立即退出
type fakeLauncher struct {
	mu       sync.Mutex
	commands []encoder.Command
	procs    []*fakeProcess
	failures int // 前 failures 次启动返回错误
	exitWith *encoder.ExitStatus
	delay    time.Duration // 模拟缓慢的进程启动
}

func (l *fakeLauncher) Launch(cmd encoder.Command) (encoder.Process, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.commands = append(l.commands, cmd)
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	}

	p := newFakeProcess(1000 + len(l.commands))
	l.procs = append(l.procs, p)
	if l.exitWith != nil {
		status := *l.exitWith
		go p.exit(status)
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.commands)
}

func (l *fakeLauncher) command(i int) encoder.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[i]
}

func (l *fakeLauncher) process(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeCatalogue struct {
	mu   sync.Mutex
	rows map[uint]*model.Stream
}

func newFakeCatalogue(rows ...model.Stream) *fakeCatalogue {
	c := &fakeCatalogue{rows: make(map[uint]*model.Stream)}
	for i := range rows {
		row := rows[i]
		c.rows[row.ID] = &row
	}
	return c
}

func (c *fakeCatalogue) GetJob(_ context.Context, id uint) (*model.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (c *fakeCatalogue) ListActiveJobs(_ context.Context) ([]model.Stream, error) {
	return c.list(func(s *model.Stream) bool { return s.Status == model.StreamStatusActive }), nil
}

func (c *fakeCatalogue) ListScheduledDue(_ context.Context, now time.Time) ([]model.Stream, error) {
	return c.list(func(s *model.Stream) bool {
		return s.Status == model.StreamStatusScheduled && s.ScheduledStart != nil && !s.ScheduledStart.After(now)
	}), nil
}

func (c *fakeCatalogue) list(keep func(*model.Stream) bool) []model.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Stream
	for _, row := range c.rows {
		if keep(row) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *fakeCatalogue) UpdateStatus(_ context.Context, id uint, status model.StreamStatus, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	row.Status = status
	applyFields(row, fields)
	return nil
}

func (c *fakeCatalogue) MarkAllActive(_ context.Context, status model.StreamStatus, fields map[string]any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, row := range c.rows {
		if row.Status == model.StreamStatusActive {
			row.Status = status
			applyFields(row, fields)
			n++
		}
	}
	return n, nil
}

func (c *fakeCatalogue) row(id uint) model.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.rows[id]
}

func applyFields(row *model.Stream, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "actual_start":
			t := v.(time.Time)
			row.ActualStart = &t
		case "actual_end":
			t := v.(time.Time)
			row.ActualEnd = &t
		case "duration_seconds":
			row.DurationSeconds = v.(int64)
		case "encode_mode":
			row.EncodeMode = v.(model.EncodeMode)
		case "bitrate":
			row.Bitrate = v.(int)
		case "force_reencode":
			row.ForceReencode = v.(bool)
		case "retry_count":
			row.RetryCount = v.(int)
		case "error_message":
			row.ErrorMessage = v.(string)
		}
	}
}

type fakeProber struct {
	missing map[string]bool
	meta    *media.Metadata
	err     error
}

func (p *fakeProber) Exists(path string) bool {
	return path != "" && !p.missing[path]
}

func (p *fakeProber) Probe(_ context.Context, _ string) (*media.Metadata, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.meta == nil {
		return nil, nil
	}
	m := *p.meta
	return &m, nil
}

type fakeMetrics struct {
	load hostmetrics.Load
	err  error
}

func (m fakeMetrics) CurrentLoad() (hostmetrics.Load, error) {
	return m.load, m.err
}

type fakeNotifier struct {
	mu          sync.Mutex
	live        int
	complete    int
	completeErr error
}

func (n *fakeNotifier) NotifyLive(context.Context, *model.Stream) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live++
	return nil
}

func (n *fakeNotifier) NotifyComplete(context.Context, *model.Stream) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete++
	return n.completeErr
}

func (n *fakeNotifier) completeCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.complete
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Quality.MaxConcurrent = 10
	cfg.Supervisor.BaseDelay = time.Millisecond
	cfg.Supervisor.MaxDelay = 5 * time.Millisecond
	cfg.Supervisor.StopGrace = 20 * time.Millisecond
	cfg.Supervisor.LiveNotifyDelay = time.Hour
	return cfg
}

type harness struct {
	sup       *Supervisor
	catalogue *fakeCatalogue
	launcher  *fakeLauncher
	prober    *fakeProber
	notifier  *fakeNotifier
	events    *recordingSink
}

func newHarness(t *testing.T, cfg *config.Config, rows ...model.Stream) *harness {
	t.Helper()
	h := &harness{
		catalogue: newFakeCatalogue(rows...),
		launcher:  &fakeLauncher{},
		prober:    &fakeProber{meta: &media.Metadata{Codec: "hevc", Width: 1920, Height: 1080, BitrateKbps: 2000}},
		notifier:  &fakeNotifier{},
		events:    &recordingSink{},
	}
	h.sup = New(Deps{
		Config:    cfg,
		Log:       logger.NewNop(),
		Advisor:   NewAdvisor(cfg.Quality, fakeMetrics{load: hostmetrics.Load{CPUPercent: 10, MemPercent: 20, FreeMemMB: 4096}}),
		Catalogue: h.catalogue,
		Prober:    h.prober,
		Launcher:  h.launcher,
		Notifier:  h.notifier,
		Events:    h.events,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.sup.StopAll(ctx)
	})
	return h
}

func testJob(id uint, status model.StreamStatus) model.Stream {
	return model.Stream{
		ID:        id,
		Type:      model.StreamTypeManual,
		Status:    status,
		Title:     "loop",
		VideoPath: "/media/loop.mp4",
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "abcd-efgh",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
