// Package pipeline runs the identification pipeline: detect, select,
// preprocess, embed, then register, match or compare.
package pipeline

import (
	"context"
	"image"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference"
	"github.com/nvr-ai/go-petid/inference/classifiers"
	"github.com/nvr-ai/go-petid/inference/comparators"
	"github.com/nvr-ai/go-petid/inference/detectors"
	"github.com/nvr-ai/go-petid/inference/embedders"
	"github.com/nvr-ai/go-petid/inference/providers"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Detector finds subjects in a full image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]common.Detection, error)
	Close() error
}

// Embedder maps a preprocessed nose crop to a vector.
type Embedder interface {
	Embed(ctx context.Context, t *preprocess.Tensor) ([]float32, error)
	Dim() int
	InputConfig() *preprocess.ModelConfig
	Close() error
}

// SpeciesClassifier predicts breed.
type SpeciesClassifier interface {
	Classify(ctx context.Context, t *preprocess.Tensor) (*classifiers.Prediction, error)
	InputConfig() *preprocess.ModelConfig
	Close() error
}

// NoseFeatureClassifier tags nose attributes.
type NoseFeatureClassifier interface {
	Classify(ctx context.Context, t *preprocess.Tensor) (*classifiers.Attributes, error)
	InputConfig() *preprocess.ModelConfig
	Close() error
}

// Engine is the set of loaded models.
type Engine struct {
	Detector    Detector
	Embedder    Embedder
	Comparators *comparators.Set
	// Species and NoseFeatures are nil when not configured or not loaded.
	Species      SpeciesClassifier
	NoseFeatures NoseFeatureClassifier
	Registry     *models.Registry
}

// Close closes every model.
func (e *Engine) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if e.Detector != nil {
		keep(e.Detector.Close())
	}
	if e.Embedder != nil {
		keep(e.Embedder.Close())
	}
	if e.Comparators != nil {
		keep(e.Comparators.Close())
	}
	if e.Species != nil {
		keep(e.Species.Close())
	}
	if e.NoseFeatures != nil {
		keep(e.NoseFeatures.Close())
	}
	return first
}

// RunnerFactory opens a model. The default factory creates a session pool.
type RunnerFactory func(d models.Descriptor) (inference.Runner, error)

// EngineBuilder loads models with a fluent API. The first error from a
// required model sticks and is returned by Build; optional models that fail
// are recorded in the registry and skipped.
type EngineBuilder struct {
	log       *logrus.Entry
	newRunner RunnerFactory
	registry  *models.Registry

	detector     Detector
	embedder     Embedder
	comparators  *comparators.Set
	species      SpeciesClassifier
	noseFeatures NoseFeatureClassifier
	err          error
}

// NewEngineBuilder creates a new engine builder.
//
// Arguments:
//   - log: Receives load warnings. Nil uses the standard logger.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder(log *logrus.Entry) *EngineBuilder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EngineBuilder{
		log:         log.WithField("component", "engine"),
		registry:    models.NewRegistry(),
		comparators: comparators.NewSet(),
	}
}

// WithRuntime initialises ONNX Runtime and opens every later model as a
// pool of poolSize sessions.
//
// Arguments:
//   - cfg: Library path, threads and execution providers.
//   - poolSize: Sessions per model.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithRuntime(cfg providers.Config, poolSize int) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if err := inference.InitEnvironment(cfg.LibraryPath); err != nil {
		b.err = err
		return b
	}
	log := b.log
	b.newRunner = func(d models.Descriptor) (inference.Runner, error) {
		return inference.NewPool(inference.SessionArgs{Descriptor: d, Runtime: cfg, Log: log}, poolSize)
	}
	return b
}

// WithRunnerFactory replaces how models are opened.
func (b *EngineBuilder) WithRunnerFactory(f RunnerFactory) *EngineBuilder {
	b.newRunner = f
	return b
}

func (b *EngineBuilder) open(d models.Descriptor) (inference.Runner, error) {
	b.registry.Add(d)
	if b.newRunner == nil {
		err := errors.New("runtime not configured")
		b.registry.MarkLoaded(d.Name, err)
		return nil, err
	}
	runner, err := b.newRunner(d)
	b.registry.MarkLoaded(d.Name, err)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", d.Name)
	}
	b.log.WithFields(logrus.Fields{"model": d.Name, "path": d.Path}).Info("model loaded")
	return runner, nil
}

// WithDetector loads the required detector.
//
// Arguments:
//   - path: The model file.
//   - cfg: The detector configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithDetector(path string, cfg detectors.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if err := cfg.Validate(); err != nil {
		b.err = errors.Wrap(err, "detector")
		return b
	}
	runner, err := b.open(cfg.Descriptor(path))
	if err != nil {
		b.err = err
		return b
	}
	d, err := detectors.NewDetector(runner, cfg)
	if err != nil {
		runner.Close()
		b.err = err
		return b
	}
	b.detector = d
	return b
}

// WithEmbedder loads the required embedder.
func (b *EngineBuilder) WithEmbedder(path string, cfg embedders.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	runner, err := b.open(cfg.Descriptor(path))
	if err != nil {
		b.err = err
		return b
	}
	e, err := embedders.NewEmbedder(runner, cfg)
	if err != nil {
		runner.Close()
		b.err = err
		return b
	}
	b.embedder = e
	return b
}

// WithComparators loads one comparator per variant. Variants load
// independently; a failure makes only that variant unavailable.
//
// Arguments:
//   - paths: Model file per variant. Variants without a path are skipped.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithComparators(paths map[preprocess.Variant]string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	for _, v := range preprocess.Variants {
		path, ok := paths[v]
		if !ok || path == "" {
			continue
		}
		runner, err := b.open(comparators.Descriptor(path, v))
		if err != nil {
			b.log.WithError(err).WithField("variant", v).Warn("comparator unavailable")
			b.comparators.MarkUnavailable(v, err)
			continue
		}
		c, err := comparators.NewComparator(runner, v)
		if err != nil {
			runner.Close()
			b.comparators.MarkUnavailable(v, err)
			continue
		}
		b.comparators.Add(c)
	}
	return b
}

// WithClassifiers loads the optional species and nose attribute models.
// An empty path skips that model.
func (b *EngineBuilder) WithClassifiers(speciesPath, nosePath string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if speciesPath != "" {
		if runner, err := b.open(models.ClassifierDescriptor(models.RoleSpecies, speciesPath, &models.SpeciesClasses)); err != nil {
			b.log.WithError(err).Warn("species classifier unavailable")
		} else if b.species, err = classifiers.NewSpecies(runner); err != nil {
			runner.Close()
			b.species = nil
		}
	}
	if nosePath != "" {
		if runner, err := b.open(models.ClassifierDescriptor(models.RoleNoseFeatures, nosePath, &models.NoseFeatureClasses)); err != nil {
			b.log.WithError(err).Warn("nose feature classifier unavailable")
		} else if b.noseFeatures, err = classifiers.NewNoseFeatures(runner); err != nil {
			runner.Close()
			b.noseFeatures = nil
		}
	}
	return b
}

// HasError checks if the engine builder has errors.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Build builds the engine. On error every model loaded so far is closed.
//
// Returns:
//   - *Engine: The engine.
//   - error: The first required-model failure.
func (b *EngineBuilder) Build() (*Engine, error) {
	e := &Engine{
		Detector:     b.detector,
		Embedder:     b.embedder,
		Comparators:  b.comparators,
		Species:      b.species,
		NoseFeatures: b.noseFeatures,
		Registry:     b.registry,
	}
	err := b.err
	switch {
	case err != nil:
	case b.detector == nil:
		err = errors.Wrap(common.ErrModelUnavailable, "detector not configured")
	case b.embedder == nil:
		err = errors.Wrap(common.ErrModelUnavailable, "embedder not configured")
	}
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// MustBuild builds the engine and panics if there is an error.
func (b *EngineBuilder) MustBuild() *Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}
