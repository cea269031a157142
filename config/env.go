package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/inference/providers"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
)

type lookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(value string) error
}

func (c *Config) bindings() []envBinding {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}
	int64v := func(dst *int64) func(string) error {
		return func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			*dst = n
			return err
		}
	}
	float32v := func(dst *float32) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 32)
			*dst = float32(f)
			return err
		}
	}
	float64v := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			*dst = f
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		}
	}

	return []envBinding{
		{"HTTP_ADDR", str(&c.HTTP.Addr)},
		{"HTTP_RATE_LIMIT", float64v(&c.HTTP.RateLimit)},
		{"HTTP_RATE_BURST", integer(&c.HTTP.RateBurst)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
		{"ORT_LIBRARY", str(&c.Runtime.LibraryPath)},
		{"RUNTIME_PROVIDERS", func(v string) error {
			var list []providers.Provider
			for _, name := range strings.Split(v, ",") {
				p, err := providers.ParseProvider(name)
				if err != nil {
					return err
				}
				list = append(list, p)
			}
			c.Runtime.Providers = list
			return nil
		}},
		{"RUNTIME_TIMEOUT", duration(&c.Runtime.Timeout)},
		{"RUNTIME_POOL_SIZE", integer(&c.Runtime.PoolSize)},
		{"MODEL_DETECTOR", str(&c.Models.Detector)},
		{"MODEL_EMBEDDER", str(&c.Models.Embedder)},
		{"MODEL_SPECIES", str(&c.Models.Species)},
		{"MODEL_NOSE_FEATURES", str(&c.Models.NoseFeatures)},
		{"DETECTOR_CONFIDENCE", float32v(&c.Detector.ConfidenceThreshold)},
		{"DETECTOR_TARGET_CLASS", str(&c.Detector.TargetClass)},
		{"DETECTOR_CLASSES", func(v string) error {
			c.Detector.Classes = models.ModelFamily(strings.ToLower(v))
			return nil
		}},
		{"PREPROCESS_BACKEND", func(v string) error {
			c.Preprocess.Backend = preprocess.BackendName(strings.ToLower(v))
			return nil
		}},
		{"DEFAULT_VARIANT", func(v string) error {
			return c.Preprocess.DefaultVariant.UnmarshalText([]byte(v))
		}},
		{"INDEX_DIM", integer(&c.Index.Dim)},
		{"STORE_DRIVER", func(v string) error {
			c.Store.Driver = store.Driver(strings.ToLower(v))
			return nil
		}},
		{"STORE_DSN", str(&c.Store.DSN)},
		{"CACHE_SIZE", integer(&c.Cache.Size)},
		{"PROFILER_ENABLED", boolean(&c.Profiler.Enabled)},
		{"IMAGES_MAX_RESOLUTION", func(v string) error {
			c.Images.MaxResolution = images.ResolutionType(v)
			return nil
		}},
		{"IMAGES_MAX_UPLOAD_BYTES", int64v(&c.Images.MaxUploadBytes)},
	}
}

// applyEnv overrides fields from PETID_ variables. Variables set to an
// empty string are ignored.
func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, b := range c.bindings() {
		key := EnvPrefix + b.key
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
	}
	return nil
}
