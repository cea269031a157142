// Package detectors - YOLO object detection on ONNX Runtime.
package detectors

import (
	"github.com/nvr-ai/go-petid/models"
	"github.com/pkg/errors"
)

// Config represents the configuration for a YOLOv8-style detector.
type Config struct {
	// InputSize is the square model input side in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`

	// ConfidenceThreshold filters detections below this confidence level
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// NMSThreshold controls Non-Maximum Suppression IoU threshold
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`

	// ClassAgnosticNMS suppresses overlapping boxes across classes.
	ClassAgnosticNMS bool `json:"class_agnostic_nms" yaml:"class_agnostic_nms"`

	// Classes labels the score rows. Nil means the 80 COCO classes in YOLO order.
	Classes *models.OutputClassSet `json:"-" yaml:"-"`
}

// DefaultConfig returns the thresholds the detector was tuned with.
//
// Returns:
//   - Config: 640 input, confidence 0.25, NMS IoU 0.45, YOLO classes.
func DefaultConfig() Config {
	return Config{
		InputSize:           640,
		ConfidenceThreshold: 0.25,
		NMSThreshold:        0.45,
		Classes:             &models.YOLOClasses,
	}
}

// NumClasses returns the number of score rows in the model output.
func (c *Config) NumClasses() int {
	if c.Classes == nil {
		return models.YOLOClasses.Len()
	}
	return c.Classes.Len()
}

// Validate rejects thresholds outside (0,1] and non-positive sizes.
func (c *Config) Validate() error {
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		return errors.Errorf("detector input size must be a positive multiple of 32, got %d", c.InputSize)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold > 1 {
		return errors.Errorf("nms threshold must be in (0,1], got %v", c.NMSThreshold)
	}
	if c.NumClasses() == 0 {
		return errors.New("detector needs at least one class")
	}
	return nil
}

// Descriptor describes the model file for this configuration.
func (c *Config) Descriptor(path string) models.Descriptor {
	return models.DetectorDescriptor(path, c.InputSize, c.NumClasses())
}
