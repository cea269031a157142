package detectors

import (
	"context"
	"image"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference"
	"github.com/pkg/errors"
)

// Detector finds objects of every known class in an image.
type Detector struct {
	runner inference.Runner
	config Config
}

// NewDetector wraps a runner loaded from Config.Descriptor.
//
// Arguments:
//   - runner: A session or pool for the detector model.
//   - config: The configuration for the detector.
//
// Returns:
//   - *Detector: The detector.
//   - error: An invalid configuration.
func NewDetector(runner inference.Runner, config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.Wrap(common.ErrModelUnavailable, "detector")
	}
	return &Detector{runner: runner, config: config}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Detect runs inference on the input image.
//
// Arguments:
//   - ctx: Bounds the inference.
//   - img: The image to detect objects in.
//
// Returns:
//   - []common.Detection: Detections in source pixel coordinates, highest
//     confidence first.
//   - error: common.ErrInvalidImage for an empty image, a malformed model
//     output, or the runtime error.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]common.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(common.ErrInvalidImage, "detect: empty image")
	}

	size := d.config.InputSize
	input := make([]float32, 3*size*size)
	if err := inference.PrepareInput(img, input, size); err != nil {
		return nil, errors.Wrap(err, "detect: prepare input")
	}

	outputs, err := d.runner.Infer(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "detect")
	}

	if len(outputs) == 0 {
		return nil, errors.New("detect: model produced no outputs")
	}

	b := img.Bounds()
	dets, err := ProcessInferenceOutput(outputs[0], b.Dx(), b.Dy(), d.config)
	if err != nil {
		return nil, errors.Wrap(err, "detect")
	}
	return dets, nil
}

// Close releases the underlying runner.
func (d *Detector) Close() error {
	return d.runner.Close()
}
