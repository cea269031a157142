// Package benchmark measures pipeline throughput over a corpus of images.
package benchmark

import (
	"fmt"
	"os"

	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Operation is the pipeline call a scenario times.
type Operation string

const (
	// OperationFeatures runs detect, crop, preprocess and embed.
	OperationFeatures Operation = "features"
	// OperationMatch adds a nearest-neighbour search to OperationFeatures.
	OperationMatch Operation = "match"
	// OperationCompare runs the Siamese comparator on consecutive pairs.
	OperationCompare Operation = "compare"
)

// Scenario defines one timed run.
type Scenario struct {
	Name      string             `json:"name" yaml:"name"`
	Operation Operation          `json:"operation" yaml:"operation"`
	Variant   preprocess.Variant `json:"variant,omitempty" yaml:"variant,omitempty"`
	// MaxSide downscales every corpus image so its longer side is at most
	// this many pixels. Zero keeps the originals.
	MaxSide    int `json:"max_side,omitempty" yaml:"max_side,omitempty"`
	Iterations int `json:"iterations" yaml:"iterations"`
	WarmupRuns int `json:"warmup_runs" yaml:"warmup_runs"`
}

// Validate checks a scenario before it runs.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario: empty name")
	}
	switch s.Operation {
	case OperationFeatures, OperationMatch, OperationCompare:
	default:
		return errors.Errorf("scenario %s: unknown operation %q", s.Name, s.Operation)
	}
	if s.Variant != "" && !s.Variant.Valid() {
		return errors.Errorf("scenario %s: unknown variant %q", s.Name, s.Variant)
	}
	if s.Iterations <= 0 {
		return errors.Errorf("scenario %s: iterations must be positive", s.Name)
	}
	if s.WarmupRuns < 0 || s.MaxSide < 0 {
		return errors.Errorf("scenario %s: warmup runs and max side must not be negative", s.Name)
	}
	return nil
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Operation:  OperationFeatures,
			Iterations: 100,
			WarmupRuns: 10,
		},
	}
}

// WithOperation sets the timed operation
func (sb *ScenarioBuilder) WithOperation(op Operation) *ScenarioBuilder {
	sb.scenario.Operation = op
	return sb
}

// WithVariant sets the preprocessing variant
func (sb *ScenarioBuilder) WithVariant(v preprocess.Variant) *ScenarioBuilder {
	sb.scenario.Variant = v
	return sb
}

// WithMaxSide sets the downscale bound
func (sb *ScenarioBuilder) WithMaxSide(side int) *ScenarioBuilder {
	sb.scenario.MaxSide = side
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured scenario.
func (sb *ScenarioBuilder) Build() (Scenario, error) {
	return sb.scenario, sb.scenario.Validate()
}

// QuickScenarioSides are the downscale bounds of QuickScenarios: a
// typical upload and a large phone photo.
var QuickScenarioSides = []int{640, 1920}

// QuickScenarios times every operation for each variant at each of
// QuickScenarioSides.
//
// Arguments:
//   - variants: The variants to cover, usually the loaded comparators.
//   - iterations: Timed runs per scenario.
//
// Returns:
//   - []Scenario: One scenario per side, operation and variant.
func QuickScenarios(variants []preprocess.Variant, iterations int) []Scenario {
	warmup := max(iterations/10, 1)
	var out []Scenario
	for _, side := range QuickScenarioSides {
		for _, op := range []Operation{OperationFeatures, OperationMatch, OperationCompare} {
			for _, v := range variants {
				out = append(out, Scenario{
					Name:       fmt.Sprintf("%s_%s_%d", op, v, side),
					Operation:  op,
					Variant:    v,
					MaxSide:    side,
					Iterations: iterations,
					WarmupRuns: warmup,
				})
			}
		}
	}
	return out
}

// scenarioFile is the YAML layout read by LoadScenarios.
type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads a YAML file with a top-level scenarios list.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenarios %s", path)
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse scenarios %s", path)
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.Errorf("no scenarios in %s", path)
	}
	for _, s := range f.Scenarios {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Scenarios, nil
}
