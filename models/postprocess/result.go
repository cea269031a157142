// Package postprocess - Postprocessing utilities for detector outputs.
package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-petid/common"
)

// SortByConfidence orders detections by descending confidence. Equal
// confidences keep their input order.
func SortByConfidence(dets []common.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
}

// FilterByConfidence keeps detections with confidence >= threshold.
func FilterByConfidence(dets []common.Detection, threshold float32) []common.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// FilterByLabel keeps detections whose label equals label.
func FilterByLabel(dets []common.Detection, label string) []common.Detection {
	var out []common.Detection
	for _, d := range dets {
		if d.Label == label {
			out = append(out, d)
		}
	}
	return out
}
