package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector reports host and Go runtime statistics for the data directory
type SystemCollector struct {
	dataDir string
}

// NewSystemCollector creates a new SystemCollector instance
func NewSystemCollector(dataDir string) *SystemCollector {
	return &SystemCollector{dataDir: dataDir}
}

// CPUStats represents CPU usage and information
type CPUStats struct {
	UsagePercent float64 `json:"usage_percent"`
	Cores        int     `json:"cores"`
	LogicalCores int     `json:"logical_cores"`
}

// CPUUsage returns current CPU statistics
func (c *SystemCollector) CPUUsage() (*CPUStats, error) {
	percentages, err := cpu.Percent(time.Second, false)
	usagePercent := 0.0
	if err == nil && len(percentages) > 0 {
		usagePercent = percentages[0]
	}

	physicalCores, _ := cpu.Counts(false)
	logicalCores, _ := cpu.Counts(true)

	return &CPUStats{
		UsagePercent: usagePercent,
		Cores:        physicalCores,
		LogicalCores: logicalCores,
	}, nil
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// MemoryUsage returns current memory usage statistics
func (c *SystemCollector) MemoryUsage() (*MemoryStats, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	return &MemoryStats{
		UsedPercent: memInfo.UsedPercent,
		UsedBytes:   memInfo.Used,
		TotalBytes:  memInfo.Total,
		FreeBytes:   memInfo.Free,
	}, nil
}

// DiskStats represents disk usage statistics
type DiskStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// DiskUsage returns current disk usage statistics for the data directory
func (c *SystemCollector) DiskUsage() (*DiskStats, error) {
	diskInfo, err := disk.Usage(c.dataDir)
	if err != nil {
		return nil, err
	}

	return &DiskStats{
		UsedPercent: diskInfo.UsedPercent,
		UsedBytes:   diskInfo.Used,
		TotalBytes:  diskInfo.Total,
		FreeBytes:   diskInfo.Free,
	}, nil
}

// RuntimeStats holds Go runtime statistics
type RuntimeStats struct {
	GoVersion      string `json:"go_version"`
	GoRoutines     int    `json:"goroutines"`
	HeapAllocBytes int64  `json:"heap_alloc_bytes"`
	HeapSysBytes   int64  `json:"heap_sys_bytes"`
	NumGC          int64  `json:"num_gc"`
	PauseTotalNs   int64  `json:"pause_total_ns"`
}

// RuntimeUsage returns current Go runtime statistics
func (c *SystemCollector) RuntimeUsage() *RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &RuntimeStats{
		GoVersion:      runtime.Version(),
		GoRoutines:     runtime.NumGoroutine(),
		HeapAllocBytes: int64(m.HeapAlloc),
		HeapSysBytes:   int64(m.HeapSys),
		NumGC:          int64(m.NumGC),
		PauseTotalNs:   int64(m.PauseTotalNs),
	}
}
