package providers

import "strconv"

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See: https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html
type OpenVINOOptions struct {
	// Overrides the accelerator hardware type (CPU, GPU, NPU) at runtime.
	DeviceType string `json:"device_type" yaml:"device_type"`
	// FP32, FP16 or ACCURACY. Empty uses the device default.
	Precision string `json:"precision" yaml:"precision"`
	// Overrides the accelerator default number of threads.
	NumOfThreads int `json:"num_of_threads" yaml:"num_of_threads"`
	// Overrides the accelerator default number of streams.
	NumStreams int `json:"num_streams" yaml:"num_streams"`
	// Directory for compiled blobs. Empty disables caching.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
}

// Map renders the options as the key/value pairs the runtime accepts,
// omitting unset fields.
func (o *OpenVINOOptions) Map() map[string]string {
	m := make(map[string]string)
	if o.DeviceType != "" {
		m["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		m["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		m["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	if o.NumStreams > 0 {
		m["num_streams"] = strconv.Itoa(o.NumStreams)
	}
	if o.CacheDir != "" {
		m["cache_dir"] = o.CacheDir
	}
	return m
}
