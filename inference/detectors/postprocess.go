package detectors

import (
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models"
	"github.com/nvr-ai/go-petid/models/postprocess"
	"github.com/pkg/errors"
)

// ProcessInferenceOutput decodes a raw [1, 4+classes, anchors] output.
//
// Each anchor column holds xc, yc, w, h in model input pixels followed by
// one score per class. The best class per anchor is kept when its score
// reaches the confidence threshold; boxes are scaled back to the source
// image and clipped to it, then reduced with greedy NMS.
//
// Arguments:
//   - output: The flat output tensor data.
//   - originalWidth, originalHeight: The source image size.
//   - cfg: Input size, thresholds and class labels.
//
// Returns:
//   - []common.Detection: Highest confidence first.
//   - error: The output is shorter than the configured layout.
func ProcessInferenceOutput(output []float32, originalWidth, originalHeight int, cfg Config) ([]common.Detection, error) {
	classes := cfg.Classes
	if classes == nil {
		classes = &models.YOLOClasses
	}
	numClasses := classes.Len()
	anchors := int(models.AnchorCount(cfg.InputSize))
	if want := anchors * (4 + numClasses); len(output) < want {
		return nil, errors.Errorf("detector output holds %d values, want %d (%d anchors, %d classes)", len(output), want, anchors, numClasses)
	}

	scaleX := float32(originalWidth) / float32(cfg.InputSize)
	scaleY := float32(originalHeight) / float32(cfg.InputSize)
	maxX, maxY := float32(originalWidth), float32(originalHeight)

	detections := make([]common.Detection, 0, 16)

	for idx := 0; idx < anchors; idx++ {
		classID := 0
		probability := float32(-1e9)
		for col := 0; col < numClasses; col++ {
			if p := output[anchors*(col+4)+idx]; p > probability {
				probability = p
				classID = col
			}
		}
		if probability < cfg.ConfidenceThreshold {
			continue
		}

		xc, yc := output[idx], output[anchors+idx]
		w, h := output[2*anchors+idx], output[3*anchors+idx]

		detections = append(detections, common.Detection{
			ClassID:    classID,
			Label:      classes.Name(classID),
			Confidence: probability,
			X1:         images.Clamp((xc-w/2)*scaleX, 0, maxX),
			Y1:         images.Clamp((yc-h/2)*scaleY, 0, maxY),
			X2:         images.Clamp((xc+w/2)*scaleX, 0, maxX),
			Y2:         images.Clamp((yc+h/2)*scaleY, 0, maxY),
		})
	}

	return postprocess.ApplyGreedyNMS(detections, &postprocess.NMSConfig{
		IoUThreshold: cfg.NMSThreshold,
		ClassAware:   !cfg.ClassAgnosticNMS,
	}), nil
}
