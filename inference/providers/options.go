package providers

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// SessionOptions builds runtime session options from the config.
//
// Providers are appended in the configured order. A provider that fails to
// register (missing plugin, no device) is logged and skipped so the session
// still runs on the CPU provider.
//
// Arguments:
//   - config: Thread counts, optimisation level and providers.
//   - log: Receives one warning per provider that could not be enabled.
//
// Returns:
//   - *ort.SessionOptions: Owned by the caller; Destroy after the session is created.
//   - []Provider: The providers that were actually enabled, CPU last.
//   - error: When the options themselves cannot be created.
func SessionOptions(config Config, log *logrus.Entry) (*ort.SessionOptions, []Provider, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, nil, errors.Wrap(err, "create session options")
	}

	if config.IntraOpNumThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpNumThreads); err != nil {
			options.Destroy()
			return nil, nil, errors.Wrap(err, "set intra-op threads")
		}
	}
	if config.InterOpNumThreads > 0 {
		if err := options.SetInterOpNumThreads(config.InterOpNumThreads); err != nil {
			options.Destroy()
			return nil, nil, errors.Wrap(err, "set inter-op threads")
		}
	}
	if err := options.SetGraphOptimizationLevel(config.GraphOptimization.Level()); err != nil {
		options.Destroy()
		return nil, nil, errors.Wrap(err, "set graph optimization level")
	}

	enabled := make([]Provider, 0, len(config.Providers)+1)
	for _, p := range config.Providers {
		if p == CPUExecutionProvider {
			continue
		}
		if err := appendProvider(options, p, &config); err != nil {
			log.WithError(err).WithField("provider", p).Warn("execution provider unavailable, falling back")
			continue
		}
		enabled = append(enabled, p)
	}

	return options, append(enabled, CPUExecutionProvider), nil
}

func appendProvider(options *ort.SessionOptions, p Provider, config *Config) error {
	switch p {
	case CUDAExecutionProvider:
		cuda, err := config.CUDA.ToNativeProviderOptions()
		if err != nil {
			return errors.Wrap(err, "cuda options")
		}
		defer cuda.Destroy()
		return options.AppendExecutionProviderCUDA(cuda)
	case CoreMLExecutionProvider:
		return options.AppendExecutionProviderCoreML(config.CoreML.Flags())
	case OpenVINOExecutionProvider:
		return options.AppendExecutionProviderOpenVINO(config.OpenVINO.Map())
	default:
		return errors.Errorf("unsupported execution provider: %s", p)
	}
}
