package comparators

import (
	"context"
	"image"
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	score  float32
	calls  int
	closed bool
}

func (r *stubRunner) Infer(_ context.Context, inputs ...[]float32) ([][]float32, error) {
	r.calls++
	if len(inputs) != 2 {
		return nil, errors.Errorf("want 2 inputs, got %d", len(inputs))
	}
	return [][]float32{{r.score}}, nil
}

func (r *stubRunner) Close() error {
	r.closed = true
	return nil
}

func TestDecide(t *testing.T) {
	tests := []struct {
		s          float32
		same       bool
		confidence Confidence
	}{
		{s: 0.95, same: true, confidence: ConfidenceHigh},
		{s: 0.85, same: true, confidence: ConfidenceHigh},
		{s: 0.8, same: true, confidence: ConfidenceHigh},
		{s: 0.75, same: true, confidence: ConfidenceMedium},
		{s: 0.51, same: true, confidence: ConfidenceMedium},
		{s: 0.5, same: false, confidence: ConfidenceMedium},
		{s: 0.25, same: false, confidence: ConfidenceMedium},
		{s: 0.15, same: false, confidence: ConfidenceHigh},
		{s: 0, same: false, confidence: ConfidenceHigh},
	}
	for _, tt := range tests {
		d := Decide(tt.s)
		assert.Equal(t, tt.s, d.Similarity)
		assert.Equal(t, tt.same, d.Same, "same for %v", tt.s)
		assert.Equal(t, tt.confidence, d.Confidence, "confidence for %v", tt.s)
	}
}

func pairTensor(t *testing.T, v preprocess.Variant) *preprocess.Tensor {
	t.Helper()
	p, err := preprocess.NewPreprocessor(preprocess.SiameseConfig(), nil)
	require.NoError(t, err)
	img := image.NewNRGBA(image.Rect(0, 0, 30, 30))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	out, err := p.Preprocess(img, v)
	require.NoError(t, err)
	return out
}

func TestComparator(t *testing.T) {
	runner := &stubRunner{score: 0.9}
	c, err := NewComparator(runner, preprocess.VariantSobel)
	require.NoError(t, err)

	a := pairTensor(t, preprocess.VariantSobel)
	d, err := c.Compare(context.Background(), a, a)
	require.NoError(t, err)
	assert.True(t, d.Same)
	assert.Equal(t, ConfidenceHigh, d.Confidence)

	_, err = c.Similarity(context.Background(), a, pairTensor(t, preprocess.VariantCanny))
	assert.Error(t, err, "variant mismatch")
	assert.Equal(t, 1, runner.calls)

	_, err = NewComparator(runner, "blur")
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))
	_, err = NewComparator(nil, preprocess.VariantCanny)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
}

func TestSet(t *testing.T) {
	s := NewSet()
	_, err := s.Get("")
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))

	sobel, _ := NewComparator(&stubRunner{}, preprocess.VariantSobel)
	s.Add(sobel)
	assert.Equal(t, preprocess.VariantSobel, s.Default())

	canny, _ := NewComparator(&stubRunner{}, preprocess.VariantCanny)
	s.Add(canny)
	assert.Equal(t, preprocess.VariantCanny, s.Default(), "canny is preferred over sobel")

	s.MarkUnavailable(preprocess.VariantOriginal, errors.New("file not found"))
	_, err = s.Get(preprocess.VariantOriginal)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
	assert.Contains(t, err.Error(), "file not found")

	_, err = s.Get("blur")
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))

	got, err := s.Get("")
	require.NoError(t, err)
	assert.Equal(t, preprocess.VariantCanny, got.Variant())

	require.NoError(t, s.SetDefault(preprocess.VariantSobel))
	assert.Equal(t, preprocess.VariantSobel, s.Default())
	assert.True(t, errors.Is(s.SetDefault(preprocess.VariantLaplacian), common.ErrModelUnavailable))

	// An explicit default survives later loads.
	orig, _ := NewComparator(&stubRunner{}, preprocess.VariantOriginal)
	s.Add(orig)
	assert.Equal(t, preprocess.VariantSobel, s.Default())
	assert.Equal(t, []preprocess.Variant{preprocess.VariantOriginal, preprocess.VariantCanny, preprocess.VariantSobel}, s.Available())

	require.NoError(t, s.Close())
	assert.Empty(t, s.Available())
}
