package supervisor

import (
	"fmt"
	"math"

	"wanistream/app/config"
	"wanistream/app/hostmetrics"
	"wanistream/app/media"
)

const (
	minCeiling      = 3
	maxCeiling      = 20
	memPerStreamGB  = 0.3
	usableMemRatio  = 0.7
	streamsPerCore  = 1.2
	fastPreset      = "ultrafast"
	lowTierRatio    = 0.8
	mediumTierRatio = 0.5
)

// HostMetrics 主机负载来源
type HostMetrics interface {
	CurrentLoad() (hostmetrics.Load, error)
}

// CapacityReader 可选接口，用于推算默认并发上限
type CapacityReader interface {
	Capacity() (hostmetrics.Capacity, error)
}

// Tier 画质档位
type Tier string

const (
	TierHigh         Tier = "high"
	TierMedium       Tier = "medium"
	TierLow          Tier = "low"
	TierConservative Tier = "conservative"
)

// QualityProfile 档位对应的编码参数
type QualityProfile struct {
	Tier        Tier   `json:"tier"`
	BitrateKbps int    `json:"bitrate_kbps"`
	Preset      string `json:"preset"`
	BufsizeKbps int    `json:"bufsize_kbps"`
}

var profiles = map[Tier]QualityProfile{
	TierHigh:         {Tier: TierHigh, BitrateKbps: 6000, Preset: "veryfast", BufsizeKbps: 12000},
	TierMedium:       {Tier: TierMedium, BitrateKbps: 4000, Preset: "veryfast", BufsizeKbps: 8000},
	TierLow:          {Tier: TierLow, BitrateKbps: 2500, Preset: "ultrafast", BufsizeKbps: 5000},
	TierConservative: {Tier: TierConservative, BitrateKbps: 1500, Preset: "ultrafast", BufsizeKbps: 3000},
}

// Profile 返回档位参数
func Profile(t Tier) QualityProfile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[TierConservative]
}

// ResourceSnapshot 一次准入判断时的主机负载
type ResourceSnapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	FreeMemMB  uint64  `json:"free_mem_mb"`
	ActiveJobs int     `json:"active_jobs"`
	Ceiling    int     `json:"ceiling"`
}

// Decision 准入结果
type Decision struct {
	Accept     bool             `json:"accept"`
	Reason     string           `json:"reason,omitempty"`
	Suggestion string           `json:"suggestion,omitempty"`
	Profile    QualityProfile   `json:"profile"`
	Snapshot   ResourceSnapshot `json:"snapshot"`
}

// Err 将拒绝结果转换为 AdmissionError
func (d Decision) Err() error {
	if d.Accept {
		return nil
	}
	return &AdmissionError{Reason: d.Reason, Suggestion: d.Suggestion}
}

// Advisor 根据主机负载与当前推流数给出准入决定与画质档位
type Advisor struct {
	cfg     config.QualityConfig
	metrics HostMetrics
	ceiling int
}

// NewAdvisor 创建准入顾问；max_concurrent 为 0 时按主机容量推算上限
func NewAdvisor(cfg config.QualityConfig, metrics HostMetrics) *Advisor {
	ceiling := cfg.MaxConcurrent
	if ceiling <= 0 {
		ceiling = minCeiling
		if cr, ok := metrics.(CapacityReader); ok {
			if c, err := cr.Capacity(); err == nil {
				ceiling = CeilingFor(c)
			}
		}
	}
	return &Advisor{cfg: cfg, metrics: metrics, ceiling: ceiling}
}

// CeilingFor 按核数与内存推算并发上限，限制在 [3, 20]
func CeilingFor(c hostmetrics.Capacity) int {
	byCPU := math.Floor(float64(c.Cores) * streamsPerCore)
	byMem := math.Floor(c.TotalMemGB * usableMemRatio / memPerStreamGB)
	n := int(math.Min(byCPU, byMem))
	if n < minCeiling {
		return minCeiling
	}
	if n > maxCeiling {
		return maxCeiling
	}
	return n
}

// Ceiling 当前并发上限
func (a *Advisor) Ceiling() int {
	return a.ceiling
}

// Admit 判断能否再启动一路推流
func (a *Advisor) Admit(activeJobs int) Decision {
	snap := ResourceSnapshot{ActiveJobs: activeJobs, Ceiling: a.ceiling}

	if activeJobs >= a.ceiling {
		return Decision{
			Reason:     fmt.Sprintf("已达到最大并发推流数 (%d/%d)", activeJobs, a.ceiling),
			Suggestion: "请先结束其他推流",
			Snapshot:   snap,
		}
	}

	load, err := a.metrics.CurrentLoad()
	if err != nil {
		// 读不到负载时仍然放行，但使用最保守的档位
		return Decision{
			Accept:   true,
			Reason:   "主机负载读取失败: " + err.Error(),
			Profile:  Profile(TierConservative),
			Snapshot: snap,
		}
	}
	snap.CPUPercent = load.CPUPercent
	snap.MemPercent = load.MemPercent
	snap.FreeMemMB = load.FreeMemMB

	switch {
	case load.CPUPercent > a.cfg.CriticalCPUPercent:
		return Decision{
			Reason:     fmt.Sprintf("CPU 占用过高 (%.1f%%)", load.CPUPercent),
			Suggestion: "请等待当前推流负载下降",
			Snapshot:   snap,
		}
	case load.MemPercent > a.cfg.CriticalMemPercent:
		return Decision{
			Reason:     fmt.Sprintf("内存占用过高 (%.1f%%)", load.MemPercent),
			Suggestion: "请结束部分推流释放内存",
			Snapshot:   snap,
		}
	case load.FreeMemMB < a.cfg.MinFreeMemMB:
		return Decision{
			Reason:     fmt.Sprintf("可用内存不足 (%dMB)", load.FreeMemMB),
			Suggestion: "请结束部分推流释放内存",
			Snapshot:   snap,
		}
	}

	profile := Profile(a.tierFor(activeJobs, load))
	if load.CPUPercent > a.cfg.FastPresetCPU {
		profile.Preset = fastPreset
	}
	return Decision{Accept: true, Profile: profile, Snapshot: snap}
}

func (a *Advisor) tierFor(activeJobs int, load hostmetrics.Load) Tier {
	if load.CPUPercent > a.cfg.ElevatedCPUPercent || load.MemPercent > a.cfg.ElevatedMemPercent {
		return TierConservative
	}
	ratio := float64(activeJobs) / float64(a.ceiling)
	switch {
	case ratio >= lowTierRatio:
		return TierLow
	case ratio >= mediumTierRatio:
		return TierMedium
	default:
		return TierHigh
	}
}

// TargetBitrate 有源码率时取 min(源码率*系数, 上限)，否则取档位码率并同样封顶
func (a *Advisor) TargetBitrate(meta *media.Metadata, profile QualityProfile) int {
	limit := a.cfg.BitrateCapKbps
	if meta != nil && meta.BitrateKbps > 0 {
		target := int(math.Round(float64(meta.BitrateKbps) * a.cfg.SourceBitrateFactor))
		return min(target, limit)
	}
	return min(profile.BitrateKbps, limit)
}
