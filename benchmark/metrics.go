package benchmark

import "time"

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario        Scenario      `json:"scenario"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalDuration   time.Duration `json:"total_duration"`
	MeanLatency     time.Duration `json:"mean_latency"`
	MinLatency      time.Duration `json:"min_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
	ImagesPerSecond float64       `json:"images_per_second"`
	MemoryStats     MemoryMetrics `json:"memory_stats"`
	CPUStats        CPUMetrics    `json:"cpu_stats"`
	Errors          int           `json:"errors"`
	ErrorRate       float64       `json:"error_rate"`
	// LastError is the most recent failure.
	LastError string `json:"last_error,omitempty"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU     int `json:"num_cpu"`
	GOMAXPROCS int `json:"gomaxprocs"`
}
