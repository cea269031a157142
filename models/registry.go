package models

import (
	"fmt"
	"os"

	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
)

// Descriptor describes an ONNX model file and its tensor interface.
type Descriptor struct {
	// Name is a unique key, e.g. "comparator/sobel".
	Name string `json:"name" yaml:"name"`
	// Role is what the model does.
	Role Role `json:"role" yaml:"role"`
	// Path of the .onnx file.
	Path string `json:"path" yaml:"path"`
	// Inputs are the graph input names in binding order.
	Inputs []string `json:"inputs" yaml:"inputs"`
	// Outputs are the graph output names in binding order.
	Outputs []string `json:"outputs" yaml:"outputs"`
	// InputShapes holds one shape per input.
	InputShapes [][]int64 `json:"input_shapes" yaml:"input_shapes"`
	// OutputShapes holds one shape per output.
	OutputShapes [][]int64 `json:"output_shapes" yaml:"output_shapes"`
	// Required models abort startup when they cannot be loaded.
	Required bool `json:"required" yaml:"required"`
}

// Validate checks the descriptor is self-consistent and the file exists.
//
// Returns:
//   - An error wrapping common.ErrModelUnavailable when the file is missing,
//     or a plain error for an inconsistent tensor interface.
func (d *Descriptor) Validate() error {
	if len(d.Inputs) == 0 || len(d.Inputs) != len(d.InputShapes) {
		return errors.Errorf("%s: %d inputs but %d input shapes", d.Name, len(d.Inputs), len(d.InputShapes))
	}
	if len(d.Outputs) == 0 || len(d.Outputs) != len(d.OutputShapes) {
		return errors.Errorf("%s: %d outputs but %d output shapes", d.Name, len(d.Outputs), len(d.OutputShapes))
	}
	if d.Path == "" {
		return errors.Wrapf(common.ErrModelUnavailable, "%s: no path configured", d.Name)
	}
	if _, err := os.Stat(d.Path); err != nil {
		return errors.Wrapf(common.ErrModelUnavailable, "%s: %v", d.Name, err)
	}
	return nil
}

// DetectorDescriptor describes a YOLOv8-style export: one [1,3,S,S] input
// and a [1,4+classes,anchors] output.
//
// Arguments:
//   - path: The model file.
//   - inputSize: The square input side, typically 640.
//   - numClasses: Number of class score rows.
//
// Returns:
//   - The descriptor.
//
// Example Usage:
// ```go
//
//	d := DetectorDescriptor("models/yolov8n.onnx", 640, 80)
//	// d.OutputShapes[0] == []int64{1, 84, 8400}
//
// ```
func DetectorDescriptor(path string, inputSize, numClasses int) Descriptor {
	return Descriptor{
		Name:         string(RoleDetector),
		Role:         RoleDetector,
		Path:         path,
		Inputs:       []string{"images"},
		Outputs:      []string{"output0"},
		InputShapes:  [][]int64{{1, 3, int64(inputSize), int64(inputSize)}},
		OutputShapes: [][]int64{{1, int64(4 + numClasses), AnchorCount(inputSize)}},
		Required:     true,
	}
}

// AnchorCount returns the number of YOLOv8 predictions for a square input:
// strides 8, 16 and 32 over the input side.
func AnchorCount(inputSize int) int64 {
	var n int64
	for _, stride := range []int{8, 16, 32} {
		cells := int64(inputSize / stride)
		n += cells * cells
	}
	return n
}

// EmbedderDescriptor describes a truncated CNN trunk with a [1,dim] output.
func EmbedderDescriptor(path string, dim int) Descriptor {
	return Descriptor{
		Name:         string(RoleEmbedder),
		Role:         RoleEmbedder,
		Path:         path,
		Inputs:       []string{"input"},
		Outputs:      []string{"output"},
		InputShapes:  [][]int64{{1, 3, 224, 224}},
		OutputShapes: [][]int64{{1, int64(dim)}},
		Required:     true,
	}
}

// ComparatorDescriptor describes a two-input Siamese network for one
// preprocessing variant.
func ComparatorDescriptor(path, variant string) Descriptor {
	return Descriptor{
		Name:         fmt.Sprintf("%s/%s", RoleComparator, variant),
		Role:         RoleComparator,
		Path:         path,
		Inputs:       []string{"input_1", "input_2"},
		Outputs:      []string{"output"},
		InputShapes:  [][]int64{{1, 96, 96, 1}, {1, 96, 96, 1}},
		OutputShapes: [][]int64{{1, 1}},
	}
}

// ClassifierDescriptor describes an image classifier over a label set.
func ClassifierDescriptor(role Role, path string, classes *OutputClassSet) Descriptor {
	return Descriptor{
		Name:         string(role),
		Role:         role,
		Path:         path,
		Inputs:       []string{"input"},
		Outputs:      []string{"output"},
		InputShapes:  [][]int64{{1, 3, 224, 224}},
		OutputShapes: [][]int64{{1, int64(classes.Len())}},
	}
}

// Status reports whether a described model is usable.
type Status struct {
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	Path      string `json:"path"`
	Required  bool   `json:"required"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Registry is the catalogue of models the service was configured with and
// whether each one loaded.
type Registry struct {
	descriptors []Descriptor
	status      map[string]*Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{status: make(map[string]*Status)}
}

// Add records a descriptor. A later Add with the same name replaces it.
func (r *Registry) Add(d Descriptor) {
	if _, ok := r.status[d.Name]; !ok {
		r.descriptors = append(r.descriptors, d)
	} else {
		for i := range r.descriptors {
			if r.descriptors[i].Name == d.Name {
				r.descriptors[i] = d
			}
		}
	}
	r.status[d.Name] = &Status{Name: d.Name, Role: d.Role, Path: d.Path, Required: d.Required}
}

// MarkLoaded records the outcome of loading the named model.
func (r *Registry) MarkLoaded(name string, err error) {
	s, ok := r.status[name]
	if !ok {
		return
	}
	s.Available = err == nil
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
}

// Descriptors returns the descriptors in insertion order.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descriptors...)
}

// Statuses returns a snapshot of every model's status in insertion order.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, *r.status[d.Name])
	}
	return out
}
