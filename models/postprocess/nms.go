package postprocess

import (
	"github.com/nvr-ai/go-petid/common"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within same class.
}

// DefaultNMSConfig suppresses same-class boxes overlapping by more than 0.45.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{IoUThreshold: 0.45, ClassAware: true}
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Detections in any order; the slice is sorted in place by
//     descending confidence.
//   - config: IoU threshold above which overlapping boxes are suppressed.
//
// Returns:
//   - The kept detections, highest confidence first. Nil for no input.
func ApplyGreedyNMS(detections []common.Detection, config *NMSConfig) []common.Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}
	SortByConfidence(detections)

	filtered := make([]common.Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && detections[j].ClassID != anchor.ClassID {
				continue
			}
			if anchor.IoU(&detections[j]) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
