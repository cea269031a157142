package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/index"
	"github.com/nvr-ai/go-petid/inference/classifiers"
	"github.com/nvr-ai/go-petid/inference/comparators"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/regions"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds the service defaults.
type Config struct {
	// TargetClass is the detector label of the subject.
	TargetClass string
	// DefaultVariant is the preprocessing used for embeddings when a request
	// names none.
	DefaultVariant preprocess.Variant
	// DefaultK is the number of matches returned when a request names none.
	DefaultK int
	// Timeout bounds each inference stage. Zero means no stage timeout.
	Timeout time.Duration
	// CacheSize bounds the feature cache. Zero disables it.
	CacheSize int
	// Backend implements the preprocessing filters. Nil selects OpenCV.
	Backend preprocess.Backend
}

// Options are the per-request parameters. Zero values take the service
// defaults.
type Options struct {
	TargetClass string
	Variant     preprocess.Variant
	K           int
}

// Analysis is the outcome of enrolling one photo.
type Analysis struct {
	IdentityToken   string                  `json:"identity_token"`
	EmbeddingLength int                     `json:"embedding_length"`
	CropDimensions  store.Dimensions        `json:"crop_dimensions"`
	NoseDimensions  store.Dimensions        `json:"nose_dimensions"`
	Box             store.Box               `json:"box"`
	Variant         preprocess.Variant      `json:"variant"`
	Species         *classifiers.Prediction `json:"species,omitempty"`
	NoseFeatures    *classifiers.Attributes `json:"nose_features,omitempty"`
}

// MatchResult lists the nearest enrolled identities, closest first.
type MatchResult struct {
	Variant preprocess.Variant `json:"variant"`
	Matches []index.Match      `json:"matches"`
}

// Comparison is a comparator decision and the variant that produced it.
type Comparison struct {
	comparators.Decision
	Variant preprocess.Variant `json:"variant"`
}

// Features is an embedding computed without enrolment.
type Features struct {
	Variant    preprocess.Variant `json:"variant"`
	Vector     []float32          `json:"features"`
	Size       int                `json:"feature_size"`
	Dimensions store.Dimensions   `json:"nose_dimensions"`
}

// tokenState is what matching needs to know about an enrolled token.
type tokenState struct {
	variant preprocess.Variant
	deleted bool
}

// Service runs the identification pipeline. It is safe for concurrent use.
type Service struct {
	engine   *Engine
	store    store.Store
	ids      *index.Identities
	cache    *featureCache
	cfg      Config
	log      *logrus.Entry
	profiler *profiler.RuntimeProfiler

	embedPrep   *preprocess.Preprocessor
	speciesPrep *preprocess.Preprocessor
	nosePrep    *preprocess.Preprocessor

	mu     sync.RWMutex
	tokens map[string]tokenState
}

// NewService wires a service around loaded models and a record store.
//
// Arguments:
//   - engine: The loaded models; Detector and Embedder are required.
//   - st: Persists enrolled identities.
//   - cfg: Request defaults, stage timeout and cache size.
//   - log: Base logger. Nil uses the standard logger.
//   - prof: Receives stage timings. May be nil.
//
// Returns:
//   - *Service: The service with an empty index. Call Rehydrate to load
//     stored identities.
//   - error: A missing model or invalid configuration.
func NewService(engine *Engine, st store.Store, cfg Config, log *logrus.Entry, prof *profiler.RuntimeProfiler) (*Service, error) {
	if engine == nil || engine.Detector == nil || engine.Embedder == nil {
		return nil, errors.Wrap(common.ErrModelUnavailable, "engine needs a detector and an embedder")
	}
	if engine.Comparators == nil {
		engine.Comparators = comparators.NewSet()
	}
	if st == nil {
		return nil, errors.New("service needs a store")
	}
	if cfg.TargetClass == "" {
		cfg.TargetClass = regions.DefaultTargetClass
	}
	if cfg.DefaultVariant == "" {
		cfg.DefaultVariant = preprocess.VariantOriginal
	}
	if !cfg.DefaultVariant.Valid() {
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", cfg.DefaultVariant)
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 3
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cache, err := newFeatureCache(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "feature cache")
	}

	s := &Service{
		engine:   engine,
		store:    st,
		ids:      index.NewIdentities(engine.Embedder.Dim()),
		cache:    cache,
		cfg:      cfg,
		log:      log.WithField("component", "pipeline"),
		profiler: prof,
		tokens:   make(map[string]tokenState),
	}
	if s.embedPrep, err = preprocess.NewPreprocessor(engine.Embedder.InputConfig(), cfg.Backend); err != nil {
		return nil, errors.Wrap(err, "embedder preprocessing")
	}
	if engine.Species != nil {
		if s.speciesPrep, err = preprocess.NewPreprocessor(engine.Species.InputConfig(), cfg.Backend); err != nil {
			return nil, errors.Wrap(err, "species preprocessing")
		}
	}
	if engine.NoseFeatures != nil {
		if s.nosePrep, err = preprocess.NewPreprocessor(engine.NoseFeatures.InputConfig(), cfg.Backend); err != nil {
			return nil, errors.Wrap(err, "nose feature preprocessing")
		}
	}
	if prof != nil {
		prof.AddMetricsCollector(profiler.MetricsCollectorFunc(func() map[string]float64 {
			return map[string]float64{
				"index_size":    float64(s.ids.Len()),
				"cache_entries": float64(s.cache.len()),
			}
		}))
	}
	return s, nil
}

// Engine returns the loaded models.
func (s *Service) Engine() *Engine {
	return s.engine
}

// IndexSize returns the number of enrolled embeddings, deleted ones included.
func (s *Service) IndexSize() int {
	return s.ids.Len()
}

func (s *Service) resolve(opts Options) (Options, error) {
	if opts.TargetClass == "" {
		opts.TargetClass = s.cfg.TargetClass
	}
	if opts.Variant == "" {
		opts.Variant = s.cfg.DefaultVariant
	}
	if !opts.Variant.Valid() {
		return opts, errors.Wrapf(common.ErrUnknownVariant, "%q", opts.Variant)
	}
	if opts.K <= 0 {
		opts.K = s.cfg.DefaultK
	}
	return opts, nil
}

// stage runs fn under the stage timeout and records its duration.
func (s *Service) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if s.profiler != nil {
		s.profiler.RecordOperation(name, elapsed, err)
	}
	LoggerFrom(ctx, s.log).WithFields(logrus.Fields{
		"stage":    name,
		"duration": elapsed,
	}).Debug("stage done")
	return err
}

// locate detects the subject and derives its regions.
func (s *Service) locate(ctx context.Context, img *images.Image, targetClass string, kind regions.Kind) (*regions.Selection, error) {
	if img == nil || img.Bitmap == nil {
		return nil, errors.Wrap(common.ErrInvalidImage, "no image")
	}
	var sel *regions.Selection
	err := s.stage(ctx, "detect", func(ctx context.Context) error {
		dets, err := s.engine.Detector.Detect(ctx, img.Bitmap)
		if err != nil {
			return err
		}
		sel, err = regions.Select(img.Bitmap, dets, regions.Options{TargetClass: targetClass, Kind: kind})
		return err
	})
	return sel, err
}

// extract runs the front half of the pipeline, through the cache.
func (s *Service) extract(ctx context.Context, img *images.Image, opts Options) (*features, error) {
	if img == nil || img.Bitmap == nil {
		return nil, errors.Wrap(common.ErrInvalidImage, "no image")
	}
	key := featureKey{digest: img.Digest, variant: opts.Variant, targetClass: opts.TargetClass}
	load := func(ctx context.Context) (*features, error) {
		sel, err := s.locate(ctx, img, opts.TargetClass, regions.KindAll)
		if err != nil {
			return nil, err
		}
		t, err := s.embedPrep.Preprocess(sel.NoseCrop, opts.Variant)
		if err != nil {
			return nil, errors.Wrap(err, "preprocess")
		}
		var vec []float32
		err = s.stage(ctx, "embed", func(ctx context.Context) error {
			vec, err = s.engine.Embedder.Embed(ctx, t)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &features{selection: sel, embedding: vec}, nil
	}

	// Payloads without a digest cannot be keyed.
	if img.Digest == "" {
		return load(ctx)
	}
	f, hit, err := s.cache.get(ctx, key, load)
	if hit {
		LoggerFrom(ctx, s.log).WithField("digest", img.Digest).Debug("feature cache hit")
	}
	return f, err
}

// Analyze enrols the single subject in img as a new identity.
//
// The embedding is validated against the index before anything is written.
// The record is persisted before the embedding is registered, so a store
// failure leaves the index untouched, and a registration failure purges
// the record again.
//
// Arguments:
//   - ctx: Bounds the whole request.
//   - img: The decoded upload.
//   - opts: Target class and variant; K is ignored.
//
// Returns:
//   - *Analysis: The new token and what was measured.
//   - error: Wraps a common error tag for caller mistakes.
func (s *Service) Analyze(ctx context.Context, img *images.Image, opts Options) (*Analysis, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	f, err := s.extract(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	if err := s.ids.Check(f.embedding); err != nil {
		return nil, errors.Wrap(err, "embedding")
	}
	sel := f.selection

	species, attrs := s.classify(ctx, sel)

	rec := &store.Record{
		Token:       uuid.NewString(),
		Variant:     string(opts.Variant),
		TargetClass: opts.TargetClass,
		ImageDigest: img.Digest,
		Box: store.Box{
			X1: sel.Detection.X1, Y1: sel.Detection.Y1,
			X2: sel.Detection.X2, Y2: sel.Detection.Y2,
			Confidence: sel.Detection.Confidence,
		},
		Crop:      dimensions(sel.Primary),
		Nose:      dimensions(sel.Nose),
		Embedding: append([]float32(nil), f.embedding...),
	}
	if species != nil {
		rec.Species = species.Label
		rec.SpeciesConfidence = species.Confidence
	}
	if attrs != nil {
		rec.NoseFeatures = append([]string(nil), attrs.Present...)
	}
	if rec.PrimaryCrop, err = images.JPEGBytes(sel.PrimaryCrop); err != nil {
		return nil, errors.Wrap(err, "encode primary crop")
	}
	if rec.NoseCrop, err = images.JPEGBytes(sel.NoseCrop); err != nil {
		return nil, errors.Wrap(err, "encode nose crop")
	}

	if err := s.stage(ctx, "persist", func(ctx context.Context) error {
		return s.store.Save(ctx, rec)
	}); err != nil {
		return nil, errors.Wrap(err, "save record")
	}
	if err := s.register(rec); err != nil {
		if derr := s.store.Purge(context.WithoutCancel(ctx), rec.Token); derr != nil {
			LoggerFrom(ctx, s.log).WithError(derr).WithField("identity_token", rec.Token).Error("roll back record")
		}
		return nil, err
	}

	LoggerFrom(ctx, s.log).WithFields(logrus.Fields{
		"identity_token": rec.Token,
		"variant":        opts.Variant,
		"index_size":     s.ids.Len(),
	}).Info("identity enrolled")

	return &Analysis{
		IdentityToken:   rec.Token,
		EmbeddingLength: len(rec.Embedding),
		CropDimensions:  rec.Crop,
		NoseDimensions:  rec.Nose,
		Box:             rec.Box,
		Variant:         opts.Variant,
		Species:         species,
		NoseFeatures:    attrs,
	}, nil
}

// register adds a persisted record to the index. Insertion and the token
// assignment happen under one lock inside Identities.
func (s *Service) register(rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ids.Register(rec.Embedding, rec.Token); err != nil {
		return err
	}
	s.tokens[rec.Token] = tokenState{variant: preprocess.Variant(rec.Variant), deleted: rec.Deleted()}
	return nil
}

// classify runs the optional classifiers. Their failures are logged and
// leave the corresponding result nil.
func (s *Service) classify(ctx context.Context, sel *regions.Selection) (*classifiers.Prediction, *classifiers.Attributes) {
	log := LoggerFrom(ctx, s.log)

	var species *classifiers.Prediction
	if s.engine.Species != nil && sel.PrimaryCrop != nil {
		err := s.stage(ctx, "classify_species", func(ctx context.Context) error {
			t, err := s.speciesPrep.Preprocess(sel.PrimaryCrop, preprocess.VariantOriginal)
			if err != nil {
				return err
			}
			species, err = s.engine.Species.Classify(ctx, t)
			return err
		})
		if err != nil {
			log.WithError(err).Warn("species classification failed")
			species = nil
		}
	}

	var attrs *classifiers.Attributes
	if s.engine.NoseFeatures != nil && sel.NoseCrop != nil {
		err := s.stage(ctx, "classify_nose", func(ctx context.Context) error {
			t, err := s.nosePrep.Preprocess(sel.NoseCrop, preprocess.VariantOriginal)
			if err != nil {
				return err
			}
			attrs, err = s.engine.NoseFeatures.Classify(ctx, t)
			return err
		})
		if err != nil {
			log.WithError(err).Warn("nose feature classification failed")
			attrs = nil
		}
	}
	return species, attrs
}

// Match returns the K enrolled identities nearest to the subject in img.
// Only identities embedded with the same variant are considered, and
// deleted identities are skipped.
func (s *Service) Match(ctx context.Context, img *images.Image, opts Options) (*MatchResult, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	f, err := s.extract(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	var matches []index.Match
	err = s.stage(ctx, "match", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		matches, err = s.ids.MatchFunc(f.embedding, opts.K, func(token string) bool {
			st, ok := s.tokens[token]
			return ok && !st.deleted && st.variant == opts.Variant
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &MatchResult{Variant: opts.Variant, Matches: matches}, nil
}

// Compare decides whether the subjects of a and b are the same animal. Both
// images are processed concurrently; the first failure cancels the other.
//
// Arguments:
//   - ctx: Bounds the request.
//   - a, b: The decoded uploads.
//   - opts: Target class and comparator variant. An empty variant selects
//     the comparator default, not the embedding default.
//
// Returns:
//   - *Comparison: The decision.
//   - error: common.ErrUnknownVariant or common.ErrModelUnavailable for the
//     variant, or the first stage failure.
func (s *Service) Compare(ctx context.Context, a, b *images.Image, opts Options) (*Comparison, error) {
	if opts.Variant != "" && !opts.Variant.Valid() {
		return nil, errors.Wrapf(common.ErrUnknownVariant, "%q", opts.Variant)
	}
	c, err := s.engine.Comparators.Get(opts.Variant)
	if err != nil {
		return nil, err
	}
	targetClass := opts.TargetClass
	if targetClass == "" {
		targetClass = s.cfg.TargetClass
	}
	prep, err := preprocess.NewPreprocessor(c.InputConfig(), s.cfg.Backend)
	if err != nil {
		return nil, err
	}

	noses := make([]image.Image, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range []*images.Image{a, b} {
		g.Go(func() error {
			sel, err := s.locate(gctx, img, targetClass, regions.KindNose)
			if err != nil {
				return errors.Wrapf(err, "image %d", i+1)
			}
			noses[i] = sel.NoseCrop
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	tensors, err := prep.BatchPreprocess(noses, c.Variant(), len(noses))
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}

	var d comparators.Decision
	err = s.stage(ctx, "compare", func(ctx context.Context) error {
		d, err = c.Compare(ctx, tensors[0], tensors[1])
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Comparison{Decision: d, Variant: c.Variant()}, nil
}

// Crop returns the JPEG-encoded region of the subject in img.
func (s *Service) Crop(ctx context.Context, img *images.Image, kind regions.Kind, targetClass string) ([]byte, error) {
	if kind == regions.KindAll {
		kind = regions.KindNose
	}
	if targetClass == "" {
		targetClass = s.cfg.TargetClass
	}
	sel, err := s.locate(ctx, img, targetClass, kind)
	if err != nil {
		return nil, err
	}
	if kind == regions.KindPrimary {
		return images.JPEGBytes(sel.PrimaryCrop)
	}
	return images.JPEGBytes(sel.NoseCrop)
}

// Features returns the nose embedding of the subject in img without
// enrolling it.
func (s *Service) Features(ctx context.Context, img *images.Image, opts Options) (*Features, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	f, err := s.extract(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	return &Features{
		Variant:    opts.Variant,
		Vector:     append([]float32(nil), f.embedding...),
		Size:       len(f.embedding),
		Dimensions: dimensions(f.selection.Nose),
	}, nil
}

func dimensions(r images.Rect) store.Dimensions {
	return store.Dimensions{Width: r.Dx(), Height: r.Dy()}
}
