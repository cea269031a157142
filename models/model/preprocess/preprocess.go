// Package preprocess - turns a crop into the fixed-size float tensor a model
// expects, through one of the edge-enhancement variants.
package preprocess

import (
	"image"
	"sync"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for debugging purposes.
	Name string
	// InputWidth is the expected width of the model input.
	InputWidth int
	// InputHeight is the expected height of the model input.
	InputHeight int
	// InputChannels is the number of channels (1 for grayscale, 3 for RGB).
	// Three-channel models receive the grayscale plane replicated.
	InputChannels int
	// NormalizationType defines how to normalize pixel values.
	NormalizationType NormalizationType
	// MeanValues for standardization, in [0,1] units, one per channel.
	MeanValues []float32
	// StdValues for standardization, in [0,1] units, one per channel.
	StdValues []float32
	// ChannelOrder defines the channel ordering (CHW or HWC).
	ChannelOrder ChannelOrder
}

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne NormalizationType = iota
	// NormalizeStandardize scales to [0, 1] then applies (x - mean) / std.
	NormalizeStandardize
)

// ChannelOrder defines the ordering of image channels.
type ChannelOrder int

const (
	// ChannelOrderCHW is Channel-Height-Width ordering (common for ONNX).
	ChannelOrderCHW ChannelOrder = iota
	// ChannelOrderHWC is Height-Width-Channel ordering (Keras exports).
	ChannelOrderHWC
)

// String implements fmt.Stringer.
func (o ChannelOrder) String() string {
	if o == ChannelOrderHWC {
		return "HWC"
	}
	return "CHW"
}

// Validate checks the configuration is usable.
func (c *ModelConfig) Validate() error {
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Errorf("%s: invalid input size %dx%d", c.Name, c.InputWidth, c.InputHeight)
	}
	if c.InputChannels != 1 && c.InputChannels != 3 {
		return errors.Errorf("%s: unsupported channel count %d", c.Name, c.InputChannels)
	}
	if c.NormalizationType == NormalizeStandardize {
		if len(c.MeanValues) != c.InputChannels || len(c.StdValues) != c.InputChannels {
			return errors.Errorf("%s: mean/std need %d values", c.Name, c.InputChannels)
		}
		for _, s := range c.StdValues {
			if s == 0 {
				return errors.Errorf("%s: zero std", c.Name)
			}
		}
	}
	return nil
}

// Shape returns the batched input shape, [1,C,H,W] or [1,H,W,C].
func (c *ModelConfig) Shape() []int {
	if c.ChannelOrder == ChannelOrderHWC {
		return []int{1, c.InputHeight, c.InputWidth, c.InputChannels}
	}
	return []int{1, c.InputChannels, c.InputHeight, c.InputWidth}
}

// Tensor is a preprocessed crop tagged with the variant that produced it.
type Tensor struct {
	Variant  Variant
	Width    int
	Height   int
	Channels int
	Layout   ChannelOrder
	// Dense holds float32 data with the model's batched input shape.
	Dense *tensor.Dense
}

// Data returns the backing slice. Callers must not modify it.
func (t *Tensor) Data() []float32 {
	return t.Dense.Data().([]float32)
}

// Fits returns an error unless t has the batched input shape cfg describes.
func (t *Tensor) Fits(cfg *ModelConfig) error {
	if t == nil || t.Dense == nil {
		return errors.New("nil tensor")
	}
	want := tensor.Shape(cfg.Shape())
	if got := t.Dense.Shape(); !got.Eq(want) {
		return errors.Errorf("tensor shape %v, %s takes %v", got, cfg.Name, want)
	}
	return nil
}

// Shape returns the tensor shape as int64s, the form ONNX Runtime takes.
func (t *Tensor) Shape() []int64 {
	s := t.Dense.Shape()
	out := make([]int64, len(s))
	for i, d := range s {
		out[i] = int64(d)
	}
	return out
}

// Preprocessor handles crop preprocessing for one model.
type Preprocessor struct {
	config  *ModelConfig
	backend Backend
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
// - config: The model-specific preprocessing configuration.
// - backend: Filter implementation; nil selects the OpenCV backend.
//
// Returns:
// - A configured Preprocessor instance, or an error for an invalid config.
//
// @example
//
//	p, err := NewPreprocessor(SiameseConfig(), nil)
//	t, err := p.Preprocess(noseCrop, VariantSobel)
func NewPreprocessor(config *ModelConfig, backend Backend) (*Preprocessor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		backend, _ = NewBackend(BackendOpenCV)
	}
	return &Preprocessor{config: config, backend: backend}, nil
}

// Config returns the model configuration.
func (p *Preprocessor) Config() *ModelConfig { return p.config }

// Backend returns the filter implementation in use.
func (p *Preprocessor) Backend() Backend { return p.backend }

// Preprocess runs grayscale, the variant transform, a 3x3 Gaussian blur, a
// bilinear resize to the model size and normalisation, in that order. The
// result depends only on the crop pixels and the variant.
//
// Arguments:
// - crop: The image region to preprocess.
// - variant: The transform to apply.
//
// Returns:
//   - The tensor, or an error wrapping common.ErrUnknownVariant,
//     common.ErrEmptyCrop or a backend failure.
func (p *Preprocessor) Preprocess(crop image.Image, variant Variant) (*Tensor, error) {
	if crop == nil || crop.Bounds().Empty() {
		return nil, errors.Wrap(common.ErrEmptyCrop, "preprocess")
	}
	if !variant.Valid() {
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", string(variant))
	}

	gray, err := p.backend.Grayscale(crop)
	if err != nil {
		return nil, errors.Wrap(err, "grayscale")
	}

	transformed, err := p.transform(gray, variant)
	if err != nil {
		return nil, errors.Wrapf(err, "%s transform", variant)
	}

	blurred, err := p.backend.Blur(transformed)
	if err != nil {
		return nil, errors.Wrap(err, "blur")
	}

	resized, err := p.backend.Resize(blurred, p.config.InputWidth, p.config.InputHeight)
	if err != nil {
		return nil, errors.Wrap(err, "resize")
	}

	dense, err := p.toTensor(resized)
	if err != nil {
		return nil, errors.Wrap(err, "layout")
	}

	return &Tensor{
		Variant:  variant,
		Width:    p.config.InputWidth,
		Height:   p.config.InputHeight,
		Channels: p.config.InputChannels,
		Layout:   p.config.ChannelOrder,
		Dense:    dense,
	}, nil
}

func (p *Preprocessor) transform(gray *image.Gray, variant Variant) (*image.Gray, error) {
	switch variant {
	case VariantOriginal:
		return gray, nil
	case VariantCanny:
		return p.backend.Canny(gray, images.CannyLowThreshold, images.CannyHighThreshold)
	case VariantLaplacian:
		return p.backend.Laplacian(gray)
	case VariantSobel:
		return p.backend.Sobel(gray)
	default:
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", string(variant))
	}
}

// toTensor scales the plane to [0,1], fills the configured channels from
// it (standardising each one when configured) and lays them out in the
// model's order with a leading batch axis.
func (p *Preprocessor) toTensor(img *image.Gray) (*tensor.Dense, error) {
	w, h, c := p.config.InputWidth, p.config.InputHeight, p.config.InputChannels
	pix := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			pix[y*w+x] = float32(v)
		}
	}

	plane := tensor.New(tensor.WithShape(h, w, 1), tensor.WithBacking(pix))
	if _, err := plane.DivScalar(float32(255), true, tensor.UseUnsafe()); err != nil {
		return nil, errors.Wrap(err, "scale")
	}

	hwc, err := p.channels(plane, c)
	if err != nil {
		return nil, err
	}

	out := hwc
	if p.config.ChannelOrder == ChannelOrderCHW {
		if out, err = tensor.Transpose(hwc, 2, 0, 1); err != nil {
			return nil, errors.Wrap(err, "transpose")
		}
	}
	dense, ok := out.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("unexpected tensor type %T", out)
	}
	if err := dense.Reshape(p.config.Shape()...); err != nil {
		return nil, errors.Wrap(err, "reshape")
	}
	return dense, nil
}

// channels turns an HxWx1 plane into HxWxC. Without standardisation the
// plane is repeated; otherwise each channel gets its own mean and std.
func (p *Preprocessor) channels(plane *tensor.Dense, c int) (tensor.Tensor, error) {
	if p.config.NormalizationType != NormalizeStandardize {
		hwc, err := tensor.Repeat(plane, 2, c)
		if err != nil {
			return nil, errors.Wrap(err, "repeat channels")
		}
		return hwc, nil
	}

	chans := make([]tensor.Tensor, c)
	for ch := range chans {
		shifted, err := tensor.Sub(plane, p.config.MeanValues[ch])
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d mean", ch)
		}
		if chans[ch], err = tensor.Div(shifted, p.config.StdValues[ch]); err != nil {
			return nil, errors.Wrapf(err, "channel %d std", ch)
		}
	}
	if c == 1 {
		return chans[0], nil
	}
	hwc, err := tensor.Concat(2, chans[0], chans[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "stack channels")
	}
	return hwc, nil
}

// SiameseConfig is the input of the nose-print comparator: 96x96 single
// channel, HWC.
func SiameseConfig() *ModelConfig {
	return &ModelConfig{
		Name:              "siamese",
		InputWidth:        96,
		InputHeight:       96,
		InputChannels:     1,
		NormalizationType: NormalizeZeroToOne,
		ChannelOrder:      ChannelOrderHWC,
	}
}

// EmbedderConfig is the input of the feature extractor: 224x224, three
// channels, CHW.
func EmbedderConfig() *ModelConfig {
	return &ModelConfig{
		Name:              "embedder",
		InputWidth:        224,
		InputHeight:       224,
		InputChannels:     3,
		NormalizationType: NormalizeZeroToOne,
		ChannelOrder:      ChannelOrderCHW,
	}
}

// ClassifierConfig is the input of the species and nose attribute
// classifiers, standardised with mean 0.5 and std 0.5.
func ClassifierConfig() *ModelConfig {
	return &ModelConfig{
		Name:              "classifier",
		InputWidth:        224,
		InputHeight:       224,
		InputChannels:     3,
		NormalizationType: NormalizeStandardize,
		MeanValues:        []float32{0.5, 0.5, 0.5},
		StdValues:         []float32{0.5, 0.5, 0.5},
		ChannelOrder:      ChannelOrderCHW,
	}
}

// BatchPreprocess processes multiple crops in parallel with one variant.
//
// Arguments:
// - crops: The crops to preprocess.
// - variant: The transform for every crop.
// - maxConcurrency: Maximum number of crops processed at once.
//
// Returns:
// - Tensors in input order, or the first error by index.
//
// @example
// tensors, err := p.BatchPreprocess([]image.Image{a, b}, VariantCanny, 2)
func (p *Preprocessor) BatchPreprocess(crops []image.Image, variant Variant, maxConcurrency int) ([]*Tensor, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*Tensor, len(crops))
	errs := make([]error, len(crops))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, crop := range crops {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			t, err := p.Preprocess(img, variant)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "crop %d", idx)
				return
			}
			results[idx] = t
		}(i, crop)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}
