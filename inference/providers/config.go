package providers

import (
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// GraphOptimization names an ONNX Runtime graph optimisation level.
type GraphOptimization string

const (
	GraphOptimizationDisabled GraphOptimization = "disabled"
	GraphOptimizationBasic    GraphOptimization = "basic"
	GraphOptimizationExtended GraphOptimization = "extended"
	GraphOptimizationAll      GraphOptimization = "all"
)

// Level maps the name onto the runtime constant. Unknown names fall back to
// the extended level.
func (g GraphOptimization) Level() ort.GraphOptimizationLevel {
	switch g {
	case GraphOptimizationDisabled:
		return ort.GraphOptimizationLevelDisableAll
	case GraphOptimizationBasic:
		return ort.GraphOptimizationLevelEnableBasic
	case GraphOptimizationAll:
		return ort.GraphOptimizationLevelEnableAll
	default:
		return ort.GraphOptimizationLevelEnableExtended
	}
}

// Config describes how every inference session is created.
type Config struct {
	// LibraryPath overrides the platform default onnxruntime shared library.
	LibraryPath string `json:"library_path" yaml:"library_path"`

	// Providers are tried in order. The CPU provider is always the implicit
	// fallback and never needs to be listed.
	Providers []Provider `json:"providers" yaml:"providers"`

	// IntraOpNumThreads bounds parallelism inside a single operator. 0 lets
	// the runtime decide.
	IntraOpNumThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`

	// InterOpNumThreads bounds parallelism across independent operators.
	InterOpNumThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`

	// GraphOptimization selects the graph rewrite level.
	GraphOptimization GraphOptimization `json:"graph_optimization" yaml:"graph_optimization"`

	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"`
	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// DefaultConfig returns a production-ready configuration with sensible defaults
//
// Returns:
//   - Config: CPU only, extended graph optimisation, one inter-op thread and
//     intra-op threads capped at four.
//
// @example
// config := DefaultConfig()
// config.Providers = []Provider{CoreMLExecutionProvider}
// options, err := SessionOptions(config, log)
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads > 4 {
		threads = 4
	}
	return Config{
		Providers:         []Provider{CPUExecutionProvider},
		IntraOpNumThreads: threads,
		InterOpNumThreads: 1,
		GraphOptimization: GraphOptimizationExtended,
		OpenVINO:          OpenVINOOptions{DeviceType: "CPU"},
	}
}

// Validate rejects negative thread counts and unknown providers.
func (c *Config) Validate() error {
	if c.IntraOpNumThreads < 0 || c.InterOpNumThreads < 0 {
		return errors.Errorf("thread counts must not be negative (intra %d, inter %d)",
			c.IntraOpNumThreads, c.InterOpNumThreads)
	}
	for _, p := range c.Providers {
		if _, err := ParseProvider(string(p)); err != nil {
			return err
		}
	}
	switch c.GraphOptimization {
	case "", GraphOptimizationDisabled, GraphOptimizationBasic, GraphOptimizationExtended, GraphOptimizationAll:
	default:
		return errors.Errorf("unknown graph optimization level %q", c.GraphOptimization)
	}
	return nil
}
