// Package providers - ONNX Runtime execution providers and session options.
package providers

import (
	"strings"

	"github.com/pkg/errors"
)

// Provider represents different ONNX Runtime execution providers
type Provider string

const (
	// CPUExecutionProvider uses CPU for inference
	CPUExecutionProvider Provider = "cpu"

	// CUDAExecutionProvider uses NVIDIA CUDA for GPU acceleration
	CUDAExecutionProvider Provider = "cuda"

	// CoreMLExecutionProvider uses Apple CoreML for macOS/iOS acceleration
	CoreMLExecutionProvider Provider = "coreml"

	// OpenVINOExecutionProvider uses Intel OpenVINO for inference optimization
	OpenVINOExecutionProvider Provider = "openvino"
)

// ParseProvider resolves a provider name case-insensitively. An empty name
// selects the CPU provider.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return CPUExecutionProvider, nil
	case CPUExecutionProvider, CUDAExecutionProvider, CoreMLExecutionProvider, OpenVINOExecutionProvider:
		return p, nil
	default:
		return "", errors.Errorf("unsupported execution provider: %q", name)
	}
}

// UnmarshalText lets providers be read straight from YAML and env values.
func (p *Provider) UnmarshalText(text []byte) error {
	parsed, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
