package providers

// CoreML provider flags, as defined by coreml_provider_factory.h.
const (
	coreMLFlagUseCPUOnly                = 0x001
	coreMLFlagEnableOnSubgraph          = 0x002
	coreMLFlagOnlyEnableDeviceWithANE   = 0x004
	coreMLFlagOnlyAllowStaticInputShape = 0x008
	coreMLFlagCreateMLProgram           = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// Limit CoreML to running on CPU only.
	CPUOnly bool `json:"cpu_only" yaml:"cpu_only"`
	// Only enable the provider on devices with an Apple Neural Engine.
	RequireANE bool `json:"require_ane" yaml:"require_ane"`
	// Only take nodes whose inputs have static shapes. Every model here has
	// fixed input shapes, so this is usually safe to enable.
	RequireStaticInputShapes bool `json:"require_static_input_shapes" yaml:"require_static_input_shapes"`
	// Run on subgraphs inside control flow operators.
	EnableOnSubgraphs bool `json:"enable_on_subgraphs" yaml:"enable_on_subgraphs"`
	// Create an MLProgram format model (Core ML 5+) instead of a NeuralNetwork.
	MLProgram bool `json:"ml_program" yaml:"ml_program"`
}

// Flags packs the options into the bit set taken by the CoreML provider.
func (o *CoreMLOptions) Flags() uint32 {
	var flags uint32
	if o.CPUOnly {
		flags |= coreMLFlagUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		flags |= coreMLFlagEnableOnSubgraph
	}
	if o.RequireANE {
		flags |= coreMLFlagOnlyEnableDeviceWithANE
	}
	if o.RequireStaticInputShapes {
		flags |= coreMLFlagOnlyAllowStaticInputShape
	}
	if o.MLProgram {
		flags |= coreMLFlagCreateMLProgram
	}
	return flags
}
