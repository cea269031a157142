// Package classifiers - Optional species and nose attribute classifiers.
package classifiers

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
)

// AttributeThreshold is the sigmoid probability above which a nose
// attribute is reported as present.
const AttributeThreshold float32 = 0.5

// Prediction is a single-label classification.
type Prediction struct {
	Label      string             `json:"label"`
	Confidence float32            `json:"confidence"`
	Scores     map[string]float32 `json:"scores,omitempty"`
}

// Attributes is a multi-label classification.
type Attributes struct {
	Present []string           `json:"present"`
	Scores  map[string]float32 `json:"scores,omitempty"`
}

type classifier struct {
	runner  inference.Runner
	classes *models.OutputClassSet
	input   *preprocess.ModelConfig
}

func newClassifier(runner inference.Runner, classes *models.OutputClassSet, name string) (classifier, error) {
	if runner == nil {
		return classifier{}, errors.Wrap(common.ErrModelUnavailable, name)
	}
	return classifier{runner: runner, classes: classes, input: preprocess.ClassifierConfig()}, nil
}

func (c *classifier) logits(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	if err := t.Fits(c.input); err != nil {
		return nil, errors.Wrap(err, "classify")
	}
	outputs, err := c.runner.Infer(ctx, t.Data())
	if err != nil {
		return nil, errors.Wrap(err, "classify")
	}
	if len(outputs) == 0 {
		return nil, errors.New("classify: model produced no outputs")
	}
	if len(outputs[0]) != c.classes.Len() {
		return nil, errors.Errorf("classify: model produced %d scores for %d classes", len(outputs[0]), c.classes.Len())
	}
	return outputs[0], nil
}

// InputConfig returns the preprocessing the classifier expects.
func (c *classifier) InputConfig() *preprocess.ModelConfig {
	return c.input
}

// Close releases the underlying runner.
func (c *classifier) Close() error {
	return c.runner.Close()
}

// Species predicts the breed from the subject crop.
type Species struct {
	classifier
}

// NewSpecies wraps a runner loaded from models.ClassifierDescriptor with
// models.SpeciesClasses.
func NewSpecies(runner inference.Runner) (*Species, error) {
	c, err := newClassifier(runner, &models.SpeciesClasses, "species classifier")
	if err != nil {
		return nil, err
	}
	return &Species{classifier: c}, nil
}

// Classify returns the most likely species.
func (s *Species) Classify(ctx context.Context, t *preprocess.Tensor) (*Prediction, error) {
	logits, err := s.logits(ctx, t)
	if err != nil {
		return nil, err
	}
	probs := Softmax(logits)
	best := Argmax(probs)

	scores := make(map[string]float32, len(probs))
	for i, p := range probs {
		scores[s.classes.Name(i)] = p
	}
	return &Prediction{Label: s.classes.Name(best), Confidence: probs[best], Scores: scores}, nil
}

// NoseFeatures detects visual attributes of a nose print.
type NoseFeatures struct {
	classifier
}

// NewNoseFeatures wraps a runner loaded from models.ClassifierDescriptor
// with models.NoseFeatureClasses.
func NewNoseFeatures(runner inference.Runner) (*NoseFeatures, error) {
	c, err := newClassifier(runner, &models.NoseFeatureClasses, "nose feature classifier")
	if err != nil {
		return nil, err
	}
	return &NoseFeatures{classifier: c}, nil
}

// Classify returns the attributes whose probability exceeds AttributeThreshold.
func (n *NoseFeatures) Classify(ctx context.Context, t *preprocess.Tensor) (*Attributes, error) {
	logits, err := n.logits(ctx, t)
	if err != nil {
		return nil, err
	}
	out := &Attributes{Present: []string{}, Scores: make(map[string]float32, len(logits))}
	for i, l := range logits {
		p := Sigmoid(l)
		name := n.classes.Name(i)
		out.Scores[name] = p
		if p > AttributeThreshold {
			out.Present = append(out.Present, name)
		}
	}
	return out, nil
}

// Softmax returns a new slice of probabilities. It subtracts the maximum
// logit first so large logits do not overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = math32.Max(maxLogit, l)
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, l := range logits {
		out[i] = math32.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
