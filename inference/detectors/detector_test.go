package detectors

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	output []float32
	// noOutputs makes Infer return an empty output list.
	noOutputs bool
	delay     time.Duration
	inputs    [][]float32
}

func (r *stubRunner) Infer(ctx context.Context, inputs ...[]float32) ([][]float32, error) {
	r.inputs = inputs
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.noOutputs {
		return nil, nil
	}
	return [][]float32{r.output}, nil
}

func (r *stubRunner) Close() error { return nil }

// testConfig uses a 32 pixel input: 16+4+1 = 21 anchors.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InputSize = 32
	return cfg
}

// setAnchor writes one prediction into a flat output buffer.
func setAnchor(out []float32, anchors, idx int, xc, yc, w, h float32, class int, score float32) {
	out[idx] = xc
	out[anchors+idx] = yc
	out[2*anchors+idx] = w
	out[3*anchors+idx] = h
	out[anchors*(4+class)+idx] = score
}

func newOutput(cfg Config) ([]float32, int) {
	anchors := int(models.AnchorCount(cfg.InputSize))
	return make([]float32, anchors*(4+cfg.NumClasses())), anchors
}

func TestProcessInferenceOutput(t *testing.T) {
	cfg := testConfig()
	out, anchors := newOutput(cfg)
	require.Equal(t, 21, anchors)

	// A dog centred in the input, a weaker overlapping dog and a cat.
	setAnchor(out, anchors, 0, 16, 16, 16, 16, 16, 0.9)
	setAnchor(out, anchors, 1, 17, 16, 16, 16, 16, 0.6)
	setAnchor(out, anchors, 2, 4, 4, 4, 4, 15, 0.5)
	// Below the confidence threshold.
	setAnchor(out, anchors, 3, 28, 28, 4, 4, 16, 0.1)

	dets, err := ProcessInferenceOutput(out, 320, 64, cfg)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	dog := dets[0]
	assert.Equal(t, "dog", dog.Label)
	assert.Equal(t, 16, dog.ClassID)
	assert.InDelta(t, 0.9, dog.Confidence, 1e-6)
	assert.InDelta(t, 80, dog.X1, 1e-3)
	assert.InDelta(t, 16, dog.Y1, 1e-3)
	assert.InDelta(t, 240, dog.X2, 1e-3)
	assert.InDelta(t, 48, dog.Y2, 1e-3)

	assert.Equal(t, "cat", dets[1].Label)
}

func TestProcessInferenceOutputClipsToImage(t *testing.T) {
	cfg := testConfig()
	out, anchors := newOutput(cfg)
	setAnchor(out, anchors, 5, 2, 30, 10, 10, 16, 0.8)

	dets, err := ProcessInferenceOutput(out, 32, 32, cfg)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(0), dets[0].X1)
	assert.Equal(t, float32(32), dets[0].Y2)
}

func TestProcessInferenceOutputShortBuffer(t *testing.T) {
	dets, err := ProcessInferenceOutput(make([]float32, 10), 10, 10, testConfig())
	assert.Nil(t, dets)
	assert.ErrorContains(t, err, "holds 10 values")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 80, cfg.NumClasses())
	assert.Equal(t, []int64{1, 84, 8400}, cfg.Descriptor("yolo.onnx").OutputShapes[0])

	bad := cfg
	bad.ConfidenceThreshold = 0
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.NMSThreshold = 1.5
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.InputSize = 100
	assert.Error(t, bad.Validate())
}

func TestDetect(t *testing.T) {
	cfg := testConfig()
	out, anchors := newOutput(cfg)
	setAnchor(out, anchors, 0, 16, 16, 16, 16, 16, 0.9)
	runner := &stubRunner{output: out}

	d, err := NewDetector(runner, cfg)
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 64)))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 16, dets[0].X1, 1e-3)
	require.Len(t, runner.inputs, 1)
	assert.Len(t, runner.inputs[0], 3*32*32)
}

func TestDetectErrors(t *testing.T) {
	cfg := testConfig()
	out, _ := newOutput(cfg)

	_, err := NewDetector(nil, cfg)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))

	d, err := NewDetector(&stubRunner{output: out, delay: time.Second}, cfg)
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.True(t, errors.Is(err, common.ErrInvalidImage))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Detect(ctx, image.NewNRGBA(image.Rect(0, 0, 8, 8)))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// A malformed model output is a model failure, not an image with no
// subject.
func TestDetectMalformedOutput(t *testing.T) {
	cfg := testConfig()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))

	tests := []struct {
		name   string
		runner *stubRunner
	}{
		{"no outputs", &stubRunner{noOutputs: true}},
		{"short output", &stubRunner{output: make([]float32, 7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDetector(tt.runner, cfg)
			require.NoError(t, err)

			dets, err := d.Detect(context.Background(), img)
			require.Error(t, err)
			assert.Nil(t, dets)
			assert.False(t, errors.Is(err, common.ErrDetectionCountMismatch))
			assert.False(t, errors.Is(err, common.ErrInvalidImage))
		})
	}
}
