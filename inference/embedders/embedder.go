// Package embedders - Feature vectors from a truncated CNN trunk.
package embedders

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
)

// Config configures the embedder output.
type Config struct {
	// Dim is the length of the produced vector.
	Dim int `json:"dim" yaml:"dim"`
	// Normalize scales every vector to unit L2 length.
	Normalize bool `json:"normalize" yaml:"normalize"`
}

// DefaultConfig is a 512-d ResNet18 trunk without normalisation.
func DefaultConfig() Config {
	return Config{Dim: 512}
}

// Descriptor describes the model file for this configuration.
func (c Config) Descriptor(path string) models.Descriptor {
	return models.EmbedderDescriptor(path, c.Dim)
}

// Embedder maps a preprocessed crop to a fixed-length vector.
type Embedder struct {
	runner inference.Runner
	config Config
	input  *preprocess.ModelConfig
}

// NewEmbedder wraps a runner loaded from Config.Descriptor.
//
// Arguments:
//   - runner: A session or pool for the embedder model.
//   - config: Output dimension and normalisation.
//
// Returns:
//   - *Embedder: The embedder.
//   - error: common.ErrModelUnavailable for a nil runner, or a bad dimension.
func NewEmbedder(runner inference.Runner, config Config) (*Embedder, error) {
	if runner == nil {
		return nil, errors.Wrap(common.ErrModelUnavailable, "embedder")
	}
	if config.Dim <= 0 {
		return nil, errors.Errorf("embedder dimension must be positive, got %d", config.Dim)
	}
	return &Embedder{runner: runner, config: config, input: preprocess.EmbedderConfig()}, nil
}

// Dim returns the vector length.
func (e *Embedder) Dim() int {
	return e.config.Dim
}

// InputConfig returns the preprocessing the embedder expects.
func (e *Embedder) InputConfig() *preprocess.ModelConfig {
	return e.input
}

// Embed runs the model on one tensor.
//
// Arguments:
//   - ctx: Bounds the inference.
//   - t: A tensor produced with InputConfig.
//
// Returns:
//   - []float32: A fresh slice of length Dim.
//   - error: A shape mismatch or the runtime error.
func (e *Embedder) Embed(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	if err := t.Fits(e.input); err != nil {
		return nil, errors.Wrap(err, "embed")
	}

	outputs, err := e.runner.Infer(ctx, t.Data())
	if err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	if len(outputs) == 0 {
		return nil, errors.New("embed: model produced no outputs")
	}
	vec := outputs[0]
	if len(vec) != e.config.Dim {
		return nil, errors.Errorf("embed: model produced %d values, configured for %d", len(vec), e.config.Dim)
	}
	if e.config.Normalize {
		Normalize(vec)
	}
	return vec, nil
}

// Normalize scales v to unit L2 length in place. A zero vector is left as is.
func Normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := 1 / math32.Sqrt(sum)
	for i := range v {
		v[i] *= inv
	}
}

// Close releases the underlying runner.
func (e *Embedder) Close() error {
	return e.runner.Close()
}
