package comparators

import (
	"context"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
)

// Descriptor describes the Siamese model file for a variant.
func Descriptor(path string, variant preprocess.Variant) models.Descriptor {
	return models.ComparatorDescriptor(path, variant.String())
}

// Comparator scores two nose crops preprocessed with the same variant.
type Comparator struct {
	runner  inference.Runner
	variant preprocess.Variant
	input   *preprocess.ModelConfig
}

// NewComparator wraps a runner loaded from Descriptor.
func NewComparator(runner inference.Runner, variant preprocess.Variant) (*Comparator, error) {
	if !variant.Valid() {
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", variant)
	}
	if runner == nil {
		return nil, errors.Wrapf(common.ErrModelUnavailable, "comparator %s", variant)
	}
	return &Comparator{runner: runner, variant: variant, input: preprocess.SiameseConfig()}, nil
}

// Variant returns the preprocessing variant the model was trained on.
func (c *Comparator) Variant() preprocess.Variant {
	return c.variant
}

// InputConfig returns the preprocessing the comparator expects.
func (c *Comparator) InputConfig() *preprocess.ModelConfig {
	return c.input
}

// Similarity runs the model on a pair.
//
// Arguments:
//   - ctx: Bounds the inference.
//   - a, b: Tensors produced with InputConfig and this comparator's variant.
//
// Returns:
//   - float32: The model score in [0,1].
//   - error: A variant or shape mismatch, or the runtime error.
func (c *Comparator) Similarity(ctx context.Context, a, b *preprocess.Tensor) (float32, error) {
	for _, t := range []*preprocess.Tensor{a, b} {
		if err := t.Fits(c.input); err != nil {
			return 0, errors.Wrap(err, "compare")
		}
		if t.Variant != c.variant {
			return 0, errors.Errorf("compare: tensor variant %s, comparator variant %s", t.Variant, c.variant)
		}
	}

	outputs, err := c.runner.Infer(ctx, a.Data(), b.Data())
	if err != nil {
		return 0, errors.Wrapf(err, "compare %s", c.variant)
	}
	if len(outputs) == 0 || len(outputs[0]) == 0 {
		return 0, errors.Errorf("compare %s: empty model output", c.variant)
	}
	return outputs[0][0], nil
}

// Compare scores a pair and applies Decide.
func (c *Comparator) Compare(ctx context.Context, a, b *preprocess.Tensor) (Decision, error) {
	s, err := c.Similarity(ctx, a, b)
	if err != nil {
		return Decision{}, err
	}
	return Decide(s), nil
}

// Close releases the underlying runner.
func (c *Comparator) Close() error {
	return c.runner.Close()
}
