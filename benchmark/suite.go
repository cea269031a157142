package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Suite manages and executes benchmark scenarios
type Suite struct {
	svc       *pipeline.Service
	log       *logrus.Entry
	outputDir string
	corpus    []*images.Image
	mu        sync.RWMutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - svc: The service whose operations are timed.
//   - log: Receives per-scenario summaries. Nil uses the standard logger.
//   - outputDir: Where SaveResults writes. Empty disables saving.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(svc *pipeline.Service, log *logrus.Entry, outputDir string) *Suite {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Suite{
		svc:       svc,
		log:       log.WithField("component", "benchmark"),
		outputDir: outputDir,
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) error {
	if err := scenario.Validate(); err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
	return nil
}

// LoadCorpus decodes every image in dir. Files that fail to decode are
// logged and skipped.
func (bs *Suite) LoadCorpus(dir string) error {
	files, err := util.LoadDirectoryImageFiles(dir)
	if err != nil {
		return err
	}
	corpus := make([]*images.Image, 0, len(files))
	for _, f := range files {
		img, err := images.Load(images.FromBytes(f.Data))
		if err != nil {
			bs.log.WithError(err).WithField("file", f.Path).Warn("skipping corpus image")
			continue
		}
		corpus = append(corpus, img)
	}
	return bs.SetCorpus(corpus)
}

// SetCorpus replaces the images scenarios run over.
func (bs *Suite) SetCorpus(corpus []*images.Image) error {
	if len(corpus) == 0 {
		return errors.New("benchmark corpus is empty")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.corpus = corpus
	return nil
}

// prepare downscales the corpus for a scenario. Digests are cleared so the
// feature cache cannot answer repeated iterations.
func prepare(corpus []*images.Image, maxSide int) []*images.Image {
	out := make([]*images.Image, len(corpus))
	for i, img := range corpus {
		bitmap := img.Bitmap
		if maxSide > 0 && (img.Width() > maxSide || img.Height() > maxSide) {
			bitmap = imaging.Fit(bitmap, maxSide, maxSide, imaging.Lanczos)
		}
		out[i] = &images.Image{Format: img.Format, Bitmap: bitmap}
	}
	return out
}

// RunScenario executes a single benchmark scenario
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	bs.mu.RLock()
	corpus := prepare(bs.corpus, scenario.MaxSide)
	bs.mu.RUnlock()
	if len(corpus) == 0 {
		return nil, errors.New("benchmark corpus is empty")
	}

	opts := pipeline.Options{Variant: scenario.Variant}
	run := func(i int) error {
		img := corpus[i%len(corpus)]
		switch scenario.Operation {
		case OperationMatch:
			_, err := bs.svc.Match(ctx, img, opts)
			return err
		case OperationCompare:
			_, err := bs.svc.Compare(ctx, img, corpus[(i+1)%len(corpus)], opts)
			return err
		default:
			_, err := bs.svc.Features(ctx, img, opts)
			return err
		}
	}

	for i := 0; i < scenario.WarmupRuns; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = run(i)
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	metrics := &PerformanceMetrics{
		Scenario:  scenario,
		Timestamp: time.Now(),
		CPUStats:  CPUMetrics{NumCPU: runtime.NumCPU(), GOMAXPROCS: runtime.GOMAXPROCS(0)},
	}
	start := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := time.Now()
		err := run(i)
		d := time.Since(t)
		if err != nil {
			metrics.Errors++
			metrics.LastError = err.Error()
			continue
		}
		if metrics.MinLatency == 0 || d < metrics.MinLatency {
			metrics.MinLatency = d
		}
		metrics.MaxLatency = max(metrics.MaxLatency, d)
	}
	metrics.TotalDuration = time.Since(start)

	var endMem runtime.MemStats
	runtime.ReadMemStats(&endMem)
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
		HeapSysBytes:    endMem.HeapSys,
	}

	metrics.ErrorRate = float64(metrics.Errors) / float64(scenario.Iterations)
	if ok := scenario.Iterations - metrics.Errors; ok > 0 {
		metrics.MeanLatency = metrics.TotalDuration / time.Duration(scenario.Iterations)
		metrics.ImagesPerSecond = float64(ok) / metrics.TotalDuration.Seconds()
	}
	return metrics, nil
}

// RunAllScenarios executes all configured benchmark scenarios. A failing
// scenario is logged and the rest still run.
func (bs *Suite) RunAllScenarios(ctx context.Context) ([]PerformanceMetrics, error) {
	bs.mu.RLock()
	scenarios := append([]Scenario(nil), bs.scenarios...)
	bs.mu.RUnlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return bs.Results(), err
			}
			bs.log.WithError(err).WithField("scenario", scenario.Name).Warn("scenario failed")
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.log.WithFields(logrus.Fields{
			"scenario":          scenario.Name,
			"images_per_second": fmt.Sprintf("%.2f", metrics.ImagesPerSecond),
			"mean_latency":      metrics.MeanLatency,
			"error_rate":        metrics.ErrorRate,
		}).Info("scenario completed")
	}
	return bs.Results(), nil
}

// Results returns all benchmark results
func (bs *Suite) Results() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]PerformanceMetrics(nil), bs.results...)
}

// SaveResults writes the results as timestamped JSON and CSV files.
//
// Returns:
//   - []string: The paths written.
//   - error: A filesystem failure.
func (bs *Suite) SaveResults(now time.Time) ([]string, error) {
	if bs.outputDir == "" {
		return nil, nil
	}
	results := bs.Results()
	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	stamp := now.Format("2006-01-02_15-04-05")
	jsonPath := filepath.Join(bs.outputDir, "benchmark_results_"+stamp+".json")
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal results")
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return nil, errors.Wrap(err, "write results")
	}

	csvPath := filepath.Join(bs.outputDir, "benchmark_summary_"+stamp+".csv")
	if err := saveSummaryCSV(csvPath, results); err != nil {
		return nil, errors.Wrap(err, "write summary")
	}
	return []string{jsonPath, csvPath}, nil
}

func saveSummaryCSV(path string, results []PerformanceMetrics) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write([]string{"scenario", "operation", "variant", "max_side", "images_per_second", "mean_latency_ms", "max_latency_ms", "alloc_mb", "error_rate"})
	for _, r := range results {
		_ = w.Write([]string{
			r.Scenario.Name,
			string(r.Scenario.Operation),
			string(r.Scenario.Variant),
			strconv.Itoa(r.Scenario.MaxSide),
			strconv.FormatFloat(r.ImagesPerSecond, 'f', 2, 64),
			strconv.FormatFloat(float64(r.MeanLatency.Microseconds())/1000, 'f', 3, 64),
			strconv.FormatFloat(float64(r.MaxLatency.Microseconds())/1000, 'f', 3, 64),
			strconv.FormatFloat(float64(r.MemoryStats.AllocBytes)/(1<<20), 'f', 2, 64),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		})
	}
	w.Flush()
	return w.Error()
}
