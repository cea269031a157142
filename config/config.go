// Package config loads service configuration from YAML, a .env file and
// PETID_ environment variables, in that order of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/inference/providers"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PETID_"

// Config is the complete service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Models     ModelsConfig     `yaml:"models"`
	Detector   DetectorConfig   `yaml:"detector"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Index      IndexConfig      `yaml:"index"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Profiler   ProfilerConfig   `yaml:"profiler"`
	Images     ImagesConfig     `yaml:"images"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is the sustained requests per second across all clients.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RuntimeConfig configures ONNX Runtime.
type RuntimeConfig struct {
	providers.Config `yaml:",inline"`
	// Timeout bounds each inference stage.
	Timeout time.Duration `yaml:"timeout"`
	// PoolSize is the number of sessions per model.
	PoolSize int `yaml:"pool_size"`
}

// ModelsConfig holds model file paths. Empty optional paths disable the
// model; a missing file marks it unavailable.
type ModelsConfig struct {
	Detector string `yaml:"detector"`
	Embedder string `yaml:"embedder"`
	// Comparators maps a preprocessing variant to its Siamese model.
	Comparators  map[string]string `yaml:"comparators"`
	Species      string            `yaml:"species"`
	NoseFeatures string            `yaml:"nose_features"`
}

// DetectorConfig configures detection and region selection.
type DetectorConfig struct {
	InputSize           int     `yaml:"input_size"`
	ConfidenceThreshold float32 `yaml:"confidence_threshold"`
	NMSThreshold        float32 `yaml:"nms_threshold"`
	TargetClass         string  `yaml:"target_class"`
	// Classes names the label set the detector's outputs index into.
	Classes models.ModelFamily `yaml:"classes"`
}

// PreprocessConfig selects the filter backend and default variant.
type PreprocessConfig struct {
	Backend        preprocess.BackendName `yaml:"backend"`
	DefaultVariant preprocess.Variant     `yaml:"default_variant"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	Dim      int `yaml:"dim"`
	DefaultK int `yaml:"default_k"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver store.Driver `yaml:"driver"`
	DSN    string       `yaml:"dsn"`
}

// CacheConfig bounds the feature cache. Size 0 disables it.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// ProfilerConfig configures stage timing reports.
type ProfilerConfig struct {
	Enabled                   bool `yaml:"enabled"`
	profiler.ProfilingOptions `yaml:",inline"`
}

// ImagesConfig bounds uploads.
type ImagesConfig struct {
	MaxResolution  images.ResolutionType `yaml:"max_resolution"`
	MaxUploadBytes int64                 `yaml:"max_upload_bytes"`
}

// Default returns a configuration that serves from ./models with an
// in-memory store.
func Default() *Config {
	comparators := make(map[string]string, len(preprocess.Variants))
	for _, v := range preprocess.Variants {
		comparators[string(v)] = filepath.Join("models", "siamese_"+string(v)+".onnx")
	}

	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Runtime: RuntimeConfig{
			Config:   providers.DefaultConfig(),
			Timeout:  10 * time.Second,
			PoolSize: 1,
		},
		Models: ModelsConfig{
			Detector:     filepath.Join("models", "yolov8n.onnx"),
			Embedder:     filepath.Join("models", "embedder.onnx"),
			Comparators:  comparators,
			Species:      filepath.Join("models", "dog_species_classifier.onnx"),
			NoseFeatures: filepath.Join("models", "nose_features.onnx"),
		},
		Detector: DetectorConfig{
			InputSize:           640,
			ConfidenceThreshold: 0.25,
			NMSThreshold:        0.45,
			TargetClass:         "dog",
			Classes:             models.ModelFamilyYOLO,
		},
		Preprocess: PreprocessConfig{
			Backend:        preprocess.BackendOpenCV,
			DefaultVariant: preprocess.VariantOriginal,
		},
		Index:    IndexConfig{Dim: 512, DefaultK: 3},
		Store:    StoreConfig{Driver: store.DriverMemory},
		Cache:    CacheConfig{Size: 256},
		Profiler: ProfilerConfig{ProfilingOptions: profiler.ProfilingOptions{ReportInterval: time.Minute}},
		Images: ImagesConfig{
			MaxResolution:  images.ResolutionType48MP,
			MaxUploadBytes: 10 << 20,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is not empty, then .env, then PETID_ environment variables. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
