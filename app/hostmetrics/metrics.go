package hostmetrics

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load 主机负载快照
type Load struct {
	CPUPercent float64 `json:"cpu_percent"` // 1 分钟平均负载 / 核数
	MemPercent float64 `json:"mem_percent"`
	FreeMemMB  uint64  `json:"free_mem_mb"`
	LoadAvg    float64 `json:"load_avg"`
}

// Capacity 主机容量，用于推算并发上限
type Capacity struct {
	Cores      int     `json:"cores"`
	TotalMemGB float64 `json:"total_mem_gb"`
}

// Reader 基于 gopsutil 读取主机负载
type Reader struct{}

// NewReader 创建负载读取器
func NewReader() *Reader {
	return &Reader{}
}

// CurrentLoad 读取当前 CPU 与内存负载
func (r *Reader) CurrentLoad() (Load, error) {
	avg, err := load.Avg()
	if err != nil {
		return Load{}, fmt.Errorf("读取平均负载失败: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Load{}, fmt.Errorf("读取内存信息失败: %w", err)
	}

	cores := runtime.NumCPU()
	return Load{
		CPUPercent: avg.Load1 / float64(cores) * 100,
		MemPercent: vm.UsedPercent,
		FreeMemMB:  vm.Available / 1024 / 1024,
		LoadAvg:    avg.Load1,
	}, nil
}

// Capacity 读取主机核数与总内存
func (r *Reader) Capacity() (Capacity, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Capacity{}, fmt.Errorf("读取内存信息失败: %w", err)
	}
	return Capacity{
		Cores:      runtime.NumCPU(),
		TotalMemGB: float64(vm.Total) / 1024 / 1024 / 1024,
	}, nil
}
