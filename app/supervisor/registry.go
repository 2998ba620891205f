package supervisor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wanistream/app/encoder"
	"wanistream/app/model"
)

// RunningProcess 一个存活的编码进程，只存在于内存中
type RunningProcess struct {
	JobID       uint
	RunID       string
	PID         int
	StartedAt   time.Time
	Retries     int
	Mode        model.EncodeMode
	BitrateKbps int
	LogPath     string

	proc          encoder.Process
	stopRequested atomic.Bool
}

// RequestStop 在发送信号前标记主动停止，退出监听据此不再重试
func (rp *RunningProcess) RequestStop() {
	rp.stopRequested.Store(true)
}

// StopRequested 是否为主动停止
func (rp *RunningProcess) StopRequested() bool {
	return rp.stopRequested.Load()
}

// ProcessInfo RunningProcess 的只读快照
type ProcessInfo struct {
	JobID       uint             `json:"job_id"`
	RunID       string           `json:"run_id"`
	PID         int              `json:"pid"`
	StartedAt   time.Time        `json:"started_at"`
	Uptime      int64            `json:"uptime_seconds"`
	Retries     int              `json:"retries"`
	Mode        model.EncodeMode `json:"mode"`
	BitrateKbps int              `json:"bitrate_kbps"`
	LogPath     string           `json:"log_path"`
}

// Registry 任务 ID 到存活进程的映射
type Registry struct {
	mu    sync.RWMutex
	procs map[uint]*RunningProcess
}

// NewRegistry 创建空的进程表
func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint]*RunningProcess)}
}

// Register 登记进程；同一任务已有进程时返回 ErrAlreadyRunning
func (r *Registry) Register(rp *RunningProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[rp.JobID]; exists {
		return ErrAlreadyRunning
	}
	r.procs[rp.JobID] = rp
	return nil
}

func (r *Registry) Lookup(jobID uint) (*RunningProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.procs[jobID]
	return rp, ok
}

// Remove 移除并返回任务的进程
func (r *Registry) Remove(jobID uint) (*RunningProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp, ok := r.procs[jobID]
	if ok {
		delete(r.procs, jobID)
	}
	return rp, ok
}

// RemoveRun 仅当登记的仍是 runID 这次运行时才移除
func (r *Registry) RemoveRun(jobID uint, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rp, ok := r.procs[jobID]
	if !ok || rp.RunID != runID {
		return false
	}
	delete(r.procs, jobID)
	return true
}

// ListJobIDs 按 ID 升序返回所有在运行的任务
func (r *Registry) ListJobIDs() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// Snapshot 返回所有进程的只读快照
func (r *Registry) Snapshot(now time.Time) []ProcessInfo {
	r.mu.RLock()
	infos := make([]ProcessInfo, 0, len(r.procs))
	for _, rp := range r.procs {
		infos = append(infos, ProcessInfo{
			JobID:       rp.JobID,
			RunID:       rp.RunID,
			PID:         rp.PID,
			StartedAt:   rp.StartedAt,
			Uptime:      int64(now.Sub(rp.StartedAt).Seconds()),
			Retries:     rp.Retries,
			Mode:        rp.Mode,
			BitrateKbps: rp.BitrateKbps,
			LogPath:     rp.LogPath,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].JobID < infos[j].JobID })
	return infos
}

// drain 清空并返回全部进程
func (r *Registry) drain() []*RunningProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RunningProcess, 0, len(r.procs))
	for id, rp := range r.procs {
		out = append(out, rp)
		delete(r.procs, id)
	}
	return out
}
