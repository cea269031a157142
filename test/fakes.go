package test

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference/comparators"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/pkg/errors"
)

// StubRunner returns fixed outputs for every run.
type StubRunner struct {
	mu      sync.Mutex
	Outputs [][]float32
	Err     error
	Runs    int
	Closed  bool
}

// Infer returns copies of Outputs.
func (r *StubRunner) Infer(ctx context.Context, inputs ...[]float32) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Runs++
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([][]float32, len(r.Outputs))
	for i, o := range r.Outputs {
		out[i] = append([]float32(nil), o...)
	}
	return out, nil
}

// Close marks the runner closed.
func (r *StubRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// FakeDetector returns the same detections for every image.
type FakeDetector struct {
	Detections []common.Detection
	Err        error
	// Delay blocks each call, honouring the context.
	Delay time.Duration
	Calls atomic.Int64
}

// Detect returns a copy of Detections.
func (d *FakeDetector) Detect(ctx context.Context, img image.Image) ([]common.Detection, error) {
	d.Calls.Add(1)
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(common.ErrInvalidImage, "detect: empty image")
	}
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "detect")
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	return append([]common.Detection(nil), d.Detections...), nil
}

// Close is a no-op.
func (d *FakeDetector) Close() error { return nil }

// FakeEmbedder summarises a tensor as the means of Dim equal slices of its
// data, so different crops give different vectors and equal crops equal
// ones.
type FakeEmbedder struct {
	Dimension int
	// Vector, when set, is returned for every crop instead.
	Vector []float32
	Calls  atomic.Int64
}

// Embed returns the slice means.
func (e *FakeEmbedder) Embed(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	e.Calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Vector != nil {
		return append([]float32(nil), e.Vector...), nil
	}
	data := t.Data()
	out := make([]float32, e.Dimension)
	chunk := len(data) / e.Dimension
	for i := range out {
		var sum float32
		for _, v := range data[i*chunk : (i+1)*chunk] {
			sum += v
		}
		out[i] = sum / float32(chunk)
	}
	return out, nil
}

// Dim returns Dimension.
func (e *FakeEmbedder) Dim() int { return e.Dimension }

// InputConfig returns the embedder preset.
func (e *FakeEmbedder) InputConfig() *preprocess.ModelConfig { return preprocess.EmbedderConfig() }

// Close is a no-op.
func (e *FakeEmbedder) Close() error { return nil }

// NewComparatorSet returns comparators for the given variants, each
// answering with similarity.
func NewComparatorSet(similarity float32, variants ...preprocess.Variant) (*comparators.Set, error) {
	set := comparators.NewSet()
	for _, v := range variants {
		c, err := comparators.NewComparator(&StubRunner{Outputs: [][]float32{{similarity}}}, v)
		if err != nil {
			return nil, err
		}
		set.Add(c)
	}
	return set, nil
}

// NewEngine returns an engine whose detector always finds det, with an
// 8-dimensional fake embedder and original and sobel comparators that
// answer 0.9.
func NewEngine(det common.Detection) (*pipeline.Engine, *FakeDetector, *FakeEmbedder, error) {
	detector := &FakeDetector{Detections: []common.Detection{det}}
	embedder := &FakeEmbedder{Dimension: 8}
	set, err := NewComparatorSet(0.9, preprocess.VariantOriginal, preprocess.VariantSobel)
	if err != nil {
		return nil, nil, nil, err
	}
	set.MarkUnavailable(preprocess.VariantCanny, errors.Wrap(common.ErrModelUnavailable, "siamese_canny.onnx"))

	registry := models.NewRegistry()
	registry.Add(models.DetectorDescriptor("yolov8n.onnx", 640, 80))
	registry.MarkLoaded("detector", nil)
	registry.Add(models.EmbedderDescriptor("embedder.onnx", 8))
	registry.MarkLoaded("embedder", nil)

	return &pipeline.Engine{
		Detector:    detector,
		Embedder:    embedder,
		Comparators: set,
		Registry:    registry,
	}, detector, embedder, nil
}
