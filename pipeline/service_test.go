package pipeline_test

import (
	"bytes"
	"context"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference/classifiers"
	"github.com/nvr-ai/go-petid/inference/comparators"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/regions"
	"github.com/nvr-ai/go-petid/store"
	"github.com/nvr-ai/go-petid/store/memory"
	"github.com/nvr-ai/go-petid/test"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc      *pipeline.Service
	engine   *pipeline.Engine
	detector *test.FakeDetector
	embedder *test.FakeEmbedder
	store    store.Store
	gen      *test.MockImageGenerator
	prof     *profiler.RuntimeProfiler
}

func newFixture(t *testing.T, cfg pipeline.Config) *fixture {
	t.Helper()
	gen := test.NewMockImageGenerator(320, 240)
	engine, detector, embedder, err := test.NewEngine(gen.DogDetection())
	require.NoError(t, err)

	st := memory.New()
	log, _ := logtest.NewNullLogger()
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{}, logrus.NewEntry(log))
	svc, err := pipeline.NewService(engine, st, cfg, logrus.NewEntry(log), prof)
	require.NoError(t, err)
	return &fixture{svc: svc, engine: engine, detector: detector, embedder: embedder, store: st, gen: gen, prof: prof}
}

func TestAnalyzeThenMatchSelf(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	a, err := f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.IdentityToken)
	assert.Equal(t, 8, a.EmbeddingLength)
	assert.Equal(t, preprocess.VariantOriginal, a.Variant)
	assert.Equal(t, 192, a.CropDimensions.Width)
	assert.Positive(t, a.NoseDimensions.Width)
	assert.Equal(t, a.NoseDimensions.Width, a.NoseDimensions.Height)
	assert.Nil(t, a.Species)

	b, err := f.svc.Analyze(ctx, f.gen.Image(t, 2), pipeline.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.IdentityToken, b.IdentityToken)
	assert.Equal(t, 2, f.svc.IndexSize())

	m, err := f.svc.Match(ctx, f.gen.Image(t, 1), pipeline.Options{K: 5})
	require.NoError(t, err)
	require.Len(t, m.Matches, 2)
	assert.Equal(t, a.IdentityToken, m.Matches[0].Token)
	assert.Zero(t, m.Matches[0].Distance)
	assert.Positive(t, m.Matches[1].Distance)

	rec, err := f.store.Get(ctx, a.IdentityToken)
	require.NoError(t, err)
	assert.Equal(t, "dog", rec.TargetClass)
	assert.Len(t, rec.Embedding, 8)
	_, err = jpeg.Decode(bytes.NewReader(rec.NoseCrop))
	assert.NoError(t, err)
}

func TestAnalyzeSameImageCreatesNewIdentity(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	img := f.gen.Image(t, 3)
	first, err := f.svc.Analyze(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	second, err := f.svc.Analyze(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.IdentityToken, second.IdentityToken)

	// Identical embeddings tie; the earlier enrolment wins.
	m, err := f.svc.Match(ctx, img, pipeline.Options{K: 2})
	require.NoError(t, err)
	require.Len(t, m.Matches, 2)
	assert.Equal(t, first.IdentityToken, m.Matches[0].Token)
	assert.Equal(t, second.IdentityToken, m.Matches[1].Token)
}

func TestMatchEmptyIndex(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	m, err := f.svc.Match(context.Background(), f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)
	assert.Empty(t, m.Matches)
}

func TestMatchFiltersVariantAndDeleted(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()
	img := f.gen.Image(t, 4)

	orig, err := f.svc.Analyze(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	sobel, err := f.svc.Analyze(ctx, img, pipeline.Options{Variant: preprocess.VariantSobel})
	require.NoError(t, err)

	m, err := f.svc.Match(ctx, img, pipeline.Options{Variant: preprocess.VariantSobel, K: 5})
	require.NoError(t, err)
	require.Len(t, m.Matches, 1)
	assert.Equal(t, sobel.IdentityToken, m.Matches[0].Token)

	require.NoError(t, f.svc.DeleteRecord(ctx, orig.IdentityToken))
	m, err = f.svc.Match(ctx, img, pipeline.Options{K: 5})
	require.NoError(t, err)
	assert.Empty(t, m.Matches)
	assert.Equal(t, 2, f.svc.IndexSize())

	err = f.svc.DeleteRecord(ctx, orig.IdentityToken)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestDetectionCountMismatch(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	det := f.gen.DogDetection()
	f.detector.Detections = append(f.detector.Detections, det)
	_, err := f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{})

	var count *common.DetectionCountError
	require.True(t, errors.As(err, &count))
	assert.Equal(t, 2, count.Count)
	assert.True(t, errors.Is(err, common.ErrDetectionCountMismatch))
	assert.Zero(t, f.svc.IndexSize())

	f.detector.Detections = nil
	_, err = f.svc.Match(ctx, f.gen.Image(t, 1), pipeline.Options{})
	require.True(t, errors.As(err, &count))
	assert.Zero(t, count.Count)

	// A different target class sees no subject.
	f.detector.Detections = []common.Detection{det}
	_, err = f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{TargetClass: "cat"})
	assert.True(t, errors.Is(err, common.ErrDetectionCountMismatch))
}

func TestUnknownVariant(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()
	img := f.gen.Image(t, 1)

	_, err := f.svc.Analyze(ctx, img, pipeline.Options{Variant: "prewitt"})
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))
	_, err = f.svc.Compare(ctx, img, img, pipeline.Options{Variant: "prewitt"})
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))
	assert.Zero(t, f.detector.Calls.Load())
}

func TestInvalidImage(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	_, err := f.svc.Analyze(context.Background(), nil, pipeline.Options{})
	assert.True(t, errors.Is(err, common.ErrInvalidImage))
}

type failingStore struct {
	store.Store
}

func (failingStore) Save(context.Context, *store.Record) error {
	return errors.New("disk full")
}

func TestStoreFailureLeavesIndexUntouched(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	svc, err := pipeline.NewService(f.engine, failingStore{Store: f.store}, pipeline.Config{}, nil, nil)
	require.NoError(t, err)

	_, err = svc.Analyze(context.Background(), f.gen.Image(t, 1), pipeline.Options{})
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, svc.IndexSize())
}

func TestNonFiniteEmbeddingIsNotPersisted(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	nan := make([]float32, f.embedder.Dimension)
	nan[3] = float32(math.NaN())
	f.embedder.Vector = nan
	_, err := f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{})
	assert.ErrorContains(t, err, "not finite")
	assert.Zero(t, f.svc.IndexSize())

	_, total, err := f.store.List(ctx, store.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Zero(t, total, "nothing written, not even a tombstone")

	f.embedder.Vector = nil
	a, err := f.svc.Analyze(ctx, f.gen.Image(t, 2), pipeline.Options{})
	require.NoError(t, err)

	restarted, err := pipeline.NewService(f.engine, f.store, pipeline.Config{}, nil, nil)
	require.NoError(t, err)
	n, err := restarted.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := restarted.Match(ctx, f.gen.Image(t, 2), pipeline.Options{K: 1})
	require.NoError(t, err)
	require.Len(t, m.Matches, 1)
	assert.Equal(t, a.IdentityToken, m.Matches[0].Token)
}

func TestRehydrateSkipsUnusableEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pipeline.Config{})
	good, err := f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)

	st := memory.New()
	rec, err := f.store.Get(ctx, good.IdentityToken)
	require.NoError(t, err)
	bad := *rec
	bad.Token = "00000000-0000-4000-8000-00000000dead"
	bad.Embedding = append([]float32(nil), rec.Embedding...)
	bad.Embedding[0] = float32(math.Inf(1))
	require.NoError(t, st.Save(ctx, &bad))
	require.NoError(t, st.Save(ctx, rec))

	svc, err := pipeline.NewService(f.engine, st, pipeline.Config{}, nil, nil)
	require.NoError(t, err)
	n, err := svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, svc.IndexSize())
}

func TestFeatureCache(t *testing.T) {
	f := newFixture(t, pipeline.Config{CacheSize: 8})
	ctx := context.Background()
	img := f.gen.Image(t, 5)

	first, err := f.svc.Features(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 8, first.Size)
	_, err = f.svc.Features(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.embedder.Calls.Load())

	// Mutating a returned vector must not reach the cache.
	first.Vector[0] = 42
	again, err := f.svc.Features(ctx, img, pipeline.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), again.Vector[0])

	_, err = f.svc.Features(ctx, img, pipeline.Options{Variant: preprocess.VariantCanny})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.embedder.Calls.Load())
}

func TestFeatureCacheCoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t, pipeline.Config{CacheSize: 8})
	f.detector.Delay = 50 * time.Millisecond
	img := f.gen.Image(t, 6)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Features(context.Background(), img, pipeline.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), f.embedder.Calls.Load())
}

func TestStageTimeout(t *testing.T) {
	f := newFixture(t, pipeline.Config{Timeout: 10 * time.Millisecond})
	f.detector.Delay = time.Second

	_, err := f.svc.Analyze(context.Background(), f.gen.Image(t, 1), pipeline.Options{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var detect *profiler.OperationStats
	for _, op := range f.prof.Snapshot().Operations {
		if op.Name == "detect" {
			detect = &op
		}
	}
	require.NotNil(t, detect)
	assert.Equal(t, int64(1), detect.Errors)
}

func TestCompare(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	c, err := f.svc.Compare(ctx, f.gen.Image(t, 1), f.gen.Image(t, 2), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, preprocess.VariantOriginal, c.Variant)
	assert.InDelta(t, 0.9, c.Similarity, 1e-6)
	assert.True(t, c.Same)
	assert.Equal(t, comparators.ConfidenceHigh, c.Confidence)

	c, err = f.svc.Compare(ctx, f.gen.Image(t, 1), f.gen.Image(t, 2), pipeline.Options{Variant: preprocess.VariantSobel})
	require.NoError(t, err)
	assert.Equal(t, preprocess.VariantSobel, c.Variant)

	_, err = f.svc.Compare(ctx, f.gen.Image(t, 1), f.gen.Image(t, 2), pipeline.Options{Variant: preprocess.VariantCanny})
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
	_, err = f.svc.Compare(ctx, f.gen.Image(t, 1), f.gen.Image(t, 2), pipeline.Options{Variant: preprocess.VariantLaplacian})
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
}

func TestCompareFailsWhenEitherImageFails(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	_, err := f.svc.Compare(context.Background(), f.gen.Image(t, 1), nil, pipeline.Options{})
	assert.True(t, errors.Is(err, common.ErrInvalidImage))
	assert.Contains(t, err.Error(), "image 2")
}

func TestModelsAndSetDefaultVariant(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	r := f.svc.Models()
	assert.Equal(t, []preprocess.Variant{preprocess.VariantOriginal, preprocess.VariantSobel}, r.Variants)
	assert.Equal(t, preprocess.VariantOriginal, r.Default)
	assert.Len(t, r.Models, 2)

	require.NoError(t, f.svc.SetDefaultVariant(preprocess.VariantSobel))
	assert.Equal(t, preprocess.VariantSobel, f.svc.Models().Default)

	err := f.svc.SetDefaultVariant(preprocess.VariantCanny)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
	err = f.svc.SetDefaultVariant("prewitt")
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))

	c, err := f.svc.Compare(context.Background(), f.gen.Image(t, 1), f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, preprocess.VariantSobel, c.Variant)
}

func TestCrop(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	data, err := f.svc.Crop(ctx, f.gen.Image(t, 1), regions.KindPrimary, "")
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())

	data, err = f.svc.Crop(ctx, f.gen.Image(t, 1), regions.KindAll, "")
	require.NoError(t, err)
	nose, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Less(t, nose.Bounds().Dx(), img.Bounds().Dx())
}

func TestClassifiers(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	species, err := classifiers.NewSpecies(&test.StubRunner{Outputs: [][]float32{{0.1, 3, 0.2}}})
	require.NoError(t, err)
	nose, err := classifiers.NewNoseFeatures(&test.StubRunner{Outputs: [][]float32{{4, -4, -4, 2, -1}}})
	require.NoError(t, err)
	f.engine.Species = species
	f.engine.NoseFeatures = nose

	svc, err := pipeline.NewService(f.engine, f.store, pipeline.Config{}, nil, nil)
	require.NoError(t, err)
	a, err := svc.Analyze(context.Background(), f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)

	require.NotNil(t, a.Species)
	assert.Equal(t, "shiba_inu", a.Species.Label)
	require.NotNil(t, a.NoseFeatures)
	assert.Equal(t, []string{"dark_skin", "pink_tone"}, a.NoseFeatures.Present)

	rec, err := svc.Record(context.Background(), a.IdentityToken)
	require.NoError(t, err)
	assert.Equal(t, "shiba_inu", rec.Species)
	assert.Equal(t, []string{"dark_skin", "pink_tone"}, rec.NoseFeatures)
}

func TestClassifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	species, err := classifiers.NewSpecies(&test.StubRunner{Err: errors.New("boom")})
	require.NoError(t, err)
	f.engine.Species = species

	svc, err := pipeline.NewService(f.engine, f.store, pipeline.Config{}, nil, nil)
	require.NoError(t, err)
	a, err := svc.Analyze(context.Background(), f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)
	assert.Nil(t, a.Species)
}

func TestRecordsAndCrops(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	var tokens []string
	for seed := int64(1); seed <= 3; seed++ {
		a, err := f.svc.Analyze(ctx, f.gen.Image(t, seed), pipeline.Options{})
		require.NoError(t, err)
		tokens = append(tokens, a.IdentityToken)
	}

	page, err := f.svc.Records(ctx, store.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, tokens[0], page.Records[0].Token)

	page, err = f.svc.Records(ctx, store.ListOptions{Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultListLimit, page.Limit)
	require.Len(t, page.Records, 1)
	assert.Equal(t, tokens[2], page.Records[0].Token)

	crop, err := f.svc.RecordCrop(ctx, tokens[1], regions.KindPrimary)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(crop))
	assert.NoError(t, err)

	_, err = f.svc.RecordCrop(ctx, "missing", regions.KindNose)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = f.svc.Record(ctx, "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestRehydrate(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx := context.Background()

	kept, err := f.svc.Analyze(ctx, f.gen.Image(t, 1), pipeline.Options{})
	require.NoError(t, err)
	gone, err := f.svc.Analyze(ctx, f.gen.Image(t, 2), pipeline.Options{})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteRecord(ctx, gone.IdentityToken))

	// A fresh service over the same store.
	svc, err := pipeline.NewService(f.engine, f.store, pipeline.Config{}, nil, nil)
	require.NoError(t, err)
	n, err := svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, svc.IndexSize())

	m, err := svc.Match(ctx, f.gen.Image(t, 2), pipeline.Options{K: 5})
	require.NoError(t, err)
	require.Len(t, m.Matches, 1)
	assert.Equal(t, kept.IdentityToken, m.Matches[0].Token)

	_, err = svc.Rehydrate(ctx)
	assert.Error(t, err)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := pipeline.NewService(&pipeline.Engine{}, memory.New(), pipeline.Config{}, nil, nil)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))

	gen := test.NewMockImageGenerator(320, 240)
	engine, _, _, err := test.NewEngine(gen.DogDetection())
	require.NoError(t, err)
	_, err = pipeline.NewService(engine, nil, pipeline.Config{}, nil, nil)
	assert.Error(t, err)
	_, err = pipeline.NewService(engine, memory.New(), pipeline.Config{DefaultVariant: "prewitt"}, nil, nil)
	assert.True(t, errors.Is(err, common.ErrUnknownVariant))
}
