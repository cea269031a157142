package config

import (
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.Errorf("http.rate_limit must not be negative, got %v", c.HTTP.RateLimit)
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst <= 0 {
		return errors.Errorf("http.rate_burst must be positive when rate limiting, got %d", c.HTTP.RateBurst)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Runtime.Config.Validate(); err != nil {
		return errors.Wrap(err, "runtime")
	}
	if c.Runtime.Timeout <= 0 {
		return errors.Errorf("runtime.timeout must be positive, got %s", c.Runtime.Timeout)
	}
	if c.Runtime.PoolSize <= 0 {
		return errors.Errorf("runtime.pool_size must be positive, got %d", c.Runtime.PoolSize)
	}

	if c.Models.Detector == "" || c.Models.Embedder == "" {
		return errors.New("models.detector and models.embedder are required")
	}
	for name := range c.Models.Comparators {
		if _, err := preprocess.ParseVariant(name); err != nil {
			return errors.Wrap(err, "models.comparators")
		}
	}

	if c.Detector.InputSize <= 0 || c.Detector.InputSize%32 != 0 {
		return errors.Errorf("detector.input_size must be a positive multiple of 32, got %d", c.Detector.InputSize)
	}
	if !unitInterval(c.Detector.ConfidenceThreshold) {
		return errors.Errorf("detector.confidence_threshold must be in (0,1], got %v", c.Detector.ConfidenceThreshold)
	}
	if !unitInterval(c.Detector.NMSThreshold) {
		return errors.Errorf("detector.nms_threshold must be in (0,1], got %v", c.Detector.NMSThreshold)
	}
	if c.Detector.TargetClass == "" {
		return errors.New("detector.target_class must not be empty")
	}
	if _, err := models.DefaultClassManager().GetIndex(c.Detector.Classes, c.Detector.TargetClass); err != nil {
		return errors.Wrap(err, "detector.target_class")
	}

	if _, err := preprocess.NewBackend(c.Preprocess.Backend); err != nil {
		return errors.Wrap(err, "preprocess.backend")
	}
	if !c.Preprocess.DefaultVariant.Valid() {
		return errors.Errorf("preprocess.default_variant: unknown variant %q", c.Preprocess.DefaultVariant)
	}

	if c.Index.Dim <= 0 {
		return errors.Errorf("index.dim must be positive, got %d", c.Index.Dim)
	}
	if c.Index.DefaultK <= 0 {
		return errors.Errorf("index.default_k must be positive, got %d", c.Index.DefaultK)
	}

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres:
		if c.Store.DSN == "" {
			return errors.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Cache.Size < 0 {
		return errors.Errorf("cache.size must not be negative, got %d", c.Cache.Size)
	}

	if _, err := images.GetResolutionByType(c.Images.MaxResolution); err != nil {
		return errors.Wrap(err, "images.max_resolution")
	}
	if c.Images.MaxUploadBytes <= 0 {
		return errors.Errorf("images.max_upload_bytes must be positive, got %d", c.Images.MaxUploadBytes)
	}
	return nil
}

func unitInterval(v float32) bool {
	return v > 0 && v <= 1
}
