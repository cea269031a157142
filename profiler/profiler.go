// Package profiler times pipeline stages and samples process metrics.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// MetricsCollectorFunc adapts a function to MetricsCollector.
type MetricsCollectorFunc func() map[string]float64

// CollectMetrics calls f.
func (f MetricsCollectorFunc) CollectMetrics() map[string]float64 { return f() }

// RuntimeProfiler tracks stage timings, custom metrics and memory use.
//
// Recording is always on; Start only adds the background sampler and the
// periodic log report. All methods are safe for concurrent use.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	log            *logrus.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	startTime     time.Time
	memStats      runtime.MemStats
	customMetrics map[string]*MetricTracker
	collectors    []MetricsCollector
	operations    map[string]*TimeTracker
}

// MetricTracker keeps a bounded window of samples for one metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

func (t *MetricTracker) add(value float64, limit int) {
	if t.count == 0 || value < t.min {
		t.min = value
	}
	if t.count == 0 || value > t.max {
		t.max = value
	}
	t.values = append(t.values, value)
	t.sum += value
	if len(t.values) > limit {
		t.sum -= t.values[0]
		t.values = t.values[1:]
	}
	t.count++
}

// TimeTracker keeps a bounded window of durations for one operation.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
	errors    int64
}

func (t *TimeTracker) add(d time.Duration, limit int) {
	if t.count == 0 || d < t.minTime {
		t.minTime = d
	}
	if t.count == 0 || d > t.maxTime {
		t.maxTime = d
	}
	t.durations = append(t.durations, d)
	t.totalTime += d
	if len(t.durations) > limit {
		t.totalTime -= t.durations[0]
		t.durations = t.durations[1:]
	}
	t.count++
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a status report (default: 1m)
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
	// SampleInterval specifies how often to collect samples (default: 5s)
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
	// MaxSamples specifies maximum number of samples to keep per series (default: 1000)
	MaxSamples int `json:"max_samples" yaml:"max_samples"`
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
// - log: Receives the periodic report. Nil uses the standard logger.
//
// Returns:
// - A configured RuntimeProfiler instance
func NewRuntimeProfiler(opts ProfilingOptions, log *logrus.Entry) *RuntimeProfiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = time.Minute
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 5 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		log:            log.WithField("component", "profiler"),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		customMetrics:  make(map[string]*MetricTracker),
		operations:     make(map[string]*TimeTracker),
	}
}

// Start begins sampling and periodic reporting. Calling it twice is harmless.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	rp.running = true

	rp.wg.Add(2)
	go rp.loop(rp.sampleInterval, rp.sample)
	go rp.loop(rp.reportInterval, rp.report)
}

// Stop gracefully stops the profiler and waits for all goroutines to complete.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
}

func (rp *RuntimeProfiler) loop(interval time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// AddMetricsCollector registers a collector polled on every sample.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.metric(name).add(value, rp.maxSamples)
}

func (rp *RuntimeProfiler) metric(name string) *MetricTracker {
	t, ok := rp.customMetrics[name]
	if !ok {
		t = &MetricTracker{}
		rp.customMetrics[name] = t
	}
	return t
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordOperation(name, time.Since(start), nil)
	}
}

// RecordOperation records one completed operation; a non-nil err also
// counts as a failure.
func (rp *RuntimeProfiler) RecordOperation(name string, d time.Duration, err error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	t, ok := rp.operations[name]
	if !ok {
		t = &TimeTracker{}
		rp.operations[name] = t
	}
	t.add(d, rp.maxSamples)
	if err != nil {
		t.errors++
	}
}

func (rp *RuntimeProfiler) sample() {
	// Collectors may take their own locks; call them outside ours.
	rp.mu.RLock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	rp.mu.RUnlock()

	collected := make([]map[string]float64, 0, len(collectors))
	for _, c := range collectors {
		collected = append(collected, c.CollectMetrics())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.memStats = mem
	rp.metric("goroutines").add(float64(runtime.NumGoroutine()), rp.maxSamples)
	for _, m := range collected {
		for name, value := range m {
			rp.metric(name).add(value, rp.maxSamples)
		}
	}
}

func (rp *RuntimeProfiler) report() {
	s := rp.Snapshot()

	fields := logrus.Fields{
		"uptime":     s.Uptime.Truncate(time.Second).String(),
		"goroutines": s.Goroutines,
		"heap_alloc": s.Memory.HeapAlloc,
		"gc_cycles":  s.Memory.GCCycles,
	}
	for _, op := range s.Operations {
		fields["op."+op.Name+".avg"] = op.Average.Truncate(time.Microsecond).String()
		fields["op."+op.Name+".count"] = op.Count
	}
	rp.log.WithFields(fields).Info("runtime profile")
}

// OperationStats summarises one operation's timing window.
type OperationStats struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Errors  int64         `json:"errors"`
	Average time.Duration `json:"average_ns"`
	Min     time.Duration `json:"min_ns"`
	Max     time.Duration `json:"max_ns"`
}

// MetricStats summarises one metric's sample window.
type MetricStats struct {
	Name    string  `json:"name"`
	Average float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// MemoryStats is the subset of runtime.MemStats worth reporting.
type MemoryStats struct {
	Alloc         uint64  `json:"alloc"`
	TotalAlloc    uint64  `json:"total_alloc"`
	Sys           uint64  `json:"sys"`
	HeapAlloc     uint64  `json:"heap_alloc"`
	HeapObjects   uint64  `json:"heap_objects"`
	GCCycles      uint32  `json:"gc_cycles"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Uptime     time.Duration    `json:"uptime_ns"`
	Goroutines int              `json:"goroutines"`
	CgoCalls   int64            `json:"cgo_calls"`
	Memory     MemoryStats      `json:"memory"`
	Operations []OperationStats `json:"operations"`
	Metrics    []MetricStats    `json:"metrics"`
}

// Snapshot returns the current statistics, sorted by name.
func (rp *RuntimeProfiler) Snapshot() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.RLock()
	defer rp.mu.RUnlock()

	s := Stats{
		Uptime:     time.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		CgoCalls:   runtime.NumCgoCall(),
		Memory: MemoryStats{
			Alloc:         mem.Alloc,
			TotalAlloc:    mem.TotalAlloc,
			Sys:           mem.Sys,
			HeapAlloc:     mem.HeapAlloc,
			HeapObjects:   mem.HeapObjects,
			GCCycles:      mem.NumGC,
			GCCPUFraction: mem.GCCPUFraction,
		},
		Operations: make([]OperationStats, 0, len(rp.operations)),
		Metrics:    make([]MetricStats, 0, len(rp.customMetrics)),
	}

	for name, t := range rp.operations {
		op := OperationStats{Name: name, Count: t.count, Errors: t.errors, Min: t.minTime, Max: t.maxTime}
		if n := len(t.durations); n > 0 {
			op.Average = t.totalTime / time.Duration(n)
		}
		s.Operations = append(s.Operations, op)
	}
	for name, t := range rp.customMetrics {
		m := MetricStats{Name: name, Min: t.min, Max: t.max, Samples: len(t.values)}
		if len(t.values) > 0 {
			m.Average = t.sum / float64(len(t.values))
		}
		s.Metrics = append(s.Metrics, m)
	}
	sort.Slice(s.Operations, func(i, j int) bool { return s.Operations[i].Name < s.Operations[j].Name })
	sort.Slice(s.Metrics, func(i, j int) bool { return s.Metrics[i].Name < s.Metrics[j].Name })
	return s
}
