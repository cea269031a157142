package profiler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{MaxSamples: 2}, nil)

	rp.RecordOperation("detect", 10*time.Millisecond, nil)
	rp.RecordOperation("detect", 30*time.Millisecond, errors.New("boom"))
	rp.RecordOperation("detect", 20*time.Millisecond, nil)
	done := rp.StartOperation("embed")
	done()

	s := rp.Snapshot()
	require.Len(t, s.Operations, 2)
	detect := s.Operations[0]
	assert.Equal(t, "detect", detect.Name)
	assert.Equal(t, int64(3), detect.Count)
	assert.Equal(t, int64(1), detect.Errors)
	assert.Equal(t, 10*time.Millisecond, detect.Min)
	assert.Equal(t, 30*time.Millisecond, detect.Max)
	// The window holds the last two samples.
	assert.Equal(t, 25*time.Millisecond, detect.Average)
	assert.Equal(t, "embed", s.Operations[1].Name)
}

func TestRecordMetric(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{}, nil)
	rp.RecordMetric("index_size", 4)
	rp.RecordMetric("index_size", -2)

	s := rp.Snapshot()
	require.Len(t, s.Metrics, 1)
	assert.Equal(t, float64(1), s.Metrics[0].Average)
	assert.Equal(t, float64(-2), s.Metrics[0].Min)
	assert.Equal(t, float64(4), s.Metrics[0].Max)
}

func TestStartStop(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{
		SampleInterval: 5 * time.Millisecond,
		ReportInterval: 10 * time.Millisecond,
	}, nil)
	rp.AddMetricsCollector(MetricsCollectorFunc(func() map[string]float64 {
		return map[string]float64{"cache_entries": 3}
	}))

	rp.Start()
	rp.Start()
	assert.Eventually(t, func() bool {
		for _, m := range rp.Snapshot().Metrics {
			if m.Name == "cache_entries" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	rp.Stop()
	rp.Stop()

	assert.Positive(t, rp.Snapshot().Memory.Sys)
}
