package main

import (
	"context"
	"io"

	"github.com/nvr-ai/go-petid/config"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/inference/detectors"
	"github.com/nvr-ai/go-petid/inference/embedders"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/store"
	"github.com/nvr-ai/go-petid/store/memory"
	"github.com/nvr-ai/go-petid/store/postgres"
	"github.com/nvr-ai/go-petid/store/sqlite"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      *config.Config
	log      *logrus.Entry
	engine   *pipeline.Engine
	store    store.Store
	svc      *pipeline.Service
	loader   *images.Loader
	profiler *profiler.RuntimeProfiler
}

// newEngine builds the inference engine. Tests replace it to run without
// ONNX Runtime.
var newEngine = buildEngine

func buildEngine(cfg *config.Config, log *logrus.Entry) (*pipeline.Engine, error) {
	det := detectors.DefaultConfig()
	det.InputSize = cfg.Detector.InputSize
	det.ConfidenceThreshold = cfg.Detector.ConfidenceThreshold
	det.NMSThreshold = cfg.Detector.NMSThreshold
	classes, err := models.DefaultClassManager().Set(cfg.Detector.Classes)
	if err != nil {
		return nil, errors.Wrap(err, "detector.classes")
	}
	det.Classes = classes

	paths := make(map[preprocess.Variant]string, len(cfg.Models.Comparators))
	for name, path := range cfg.Models.Comparators {
		v, err := preprocess.ParseVariant(name)
		if err != nil {
			return nil, errors.Wrap(err, "models.comparators")
		}
		paths[v] = path
	}

	return pipeline.NewEngineBuilder(log).
		WithRuntime(cfg.Runtime.Config, cfg.Runtime.PoolSize).
		WithDetector(cfg.Models.Detector, det).
		WithEmbedder(cfg.Models.Embedder, embedders.Config{Dim: cfg.Index.Dim}).
		WithComparators(paths).
		WithClassifiers(cfg.Models.Species, cfg.Models.NoseFeatures).
		Build()
}

// openStore opens the configured record store.
func openStore(ctx context.Context, cfg config.StoreConfig, dim int) (store.Store, error) {
	switch cfg.Driver {
	case "", store.DriverMemory:
		return memory.New(), nil
	case store.DriverSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	case store.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN, dim)
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}

// newApp builds the service and rehydrates the index from the store.
// logOut receives log output; nil means stderr.
func newApp(ctx context.Context, flags *rootFlags, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger(logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logrus.NewEntry(logger)}

	if a.loader, err = images.NewLoader(cfg.Images.MaxResolution); err != nil {
		return nil, err
	}
	if cfg.Profiler.Enabled {
		a.profiler = profiler.NewRuntimeProfiler(cfg.Profiler.ProfilingOptions, a.log)
	}

	backend, err := preprocess.NewBackend(cfg.Preprocess.Backend)
	if err != nil {
		return nil, err
	}
	if a.engine, err = newEngine(cfg, a.log); err != nil {
		return nil, errors.Wrap(err, "load models")
	}
	if a.store, err = openStore(ctx, cfg.Store, a.engine.Embedder.Dim()); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "open store")
	}

	a.svc, err = pipeline.NewService(a.engine, a.store, pipeline.Config{
		TargetClass:    cfg.Detector.TargetClass,
		DefaultVariant: cfg.Preprocess.DefaultVariant,
		DefaultK:       cfg.Index.DefaultK,
		Timeout:        cfg.Runtime.Timeout,
		CacheSize:      cfg.Cache.Size,
		Backend:        backend,
	}, a.log, a.profiler)
	if err != nil {
		a.Close()
		return nil, err
	}
	if _, err := a.svc.Rehydrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the models and the store.
func (a *app) Close() {
	if a.profiler != nil {
		a.profiler.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("close store")
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.log.WithError(err).Warn("close models")
		}
	}
}

// loadImage decodes a file under the configured resolution limit.
func (a *app) loadImage(path string) (*images.Image, error) {
	img, err := a.loader.Load(images.FromPath(path))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}
