// Package regions picks the subject of a photo and derives the square
// regions cropped from it.
package regions

import (
	"image"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models/postprocess"
	"github.com/pkg/errors"
)

// DefaultTargetClass is the detector label of the subject.
const DefaultTargetClass = "dog"

// noseFraction places the nose region relative to the subject box: its
// centre sits this fraction of the box height above the bottom edge and
// its side is this fraction of the shorter box side.
const noseFraction = 0.2

// Kind names a derived region.
type Kind string

const (
	// KindAll materialises every region.
	KindAll Kind = ""
	// KindPrimary is the square around the whole subject.
	KindPrimary Kind = "primary"
	// KindNose is the square around the estimated nose position.
	KindNose Kind = "nose"
)

// ParseKind accepts "primary", "nose" and the empty string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAll, KindPrimary, KindNose:
		return k, nil
	default:
		return "", errors.Errorf("unknown region kind %q", s)
	}
}

// Options controls Select.
type Options struct {
	// TargetClass filters detections by label. Empty means DefaultTargetClass.
	TargetClass string
	// Kind limits which crops are copied out.
	Kind Kind
}

// Selection is the chosen subject and the regions derived from it.
type Selection struct {
	Detection   common.Detection
	Primary     images.Rect
	Nose        images.Rect
	PrimaryCrop *image.NRGBA
	NoseCrop    *image.NRGBA
}

// SelectOne returns the only detection labelled targetClass.
//
// Returns:
//   - error: *common.DetectionCountError when zero or several remain.
func SelectOne(dets []common.Detection, targetClass string) (common.Detection, error) {
	matches := postprocess.FilterByLabel(dets, targetClass)
	if len(matches) != 1 {
		return common.Detection{}, &common.DetectionCountError{Class: targetClass, Count: len(matches)}
	}
	return matches[0], nil
}

// box truncates the detection to integer corners and returns the centre
// and size the regions are derived from.
func box(d common.Detection) (x1, y1, x2, y2, cx, cy, w, h int) {
	x1, y1, x2, y2 = int(d.X1), int(d.Y1), int(d.X2), int(d.Y2)
	w, h = x2-x1, y2-y1
	cx, cy = (x1+x2)/2, (y1+y2)/2
	return
}

func square(cx, cy, side int, bounds image.Rectangle) images.Rect {
	half := side / 2
	return images.Rect{X1: cx - half, Y1: cy - half, X2: cx + half, Y2: cy + half}.Clamp(bounds)
}

// Primary returns the square of side max(w,h) centred on the box, clamped
// to bounds.
func Primary(d common.Detection, bounds image.Rectangle) images.Rect {
	_, _, _, _, cx, cy, w, h := box(d)
	return square(cx, cy, max(w, h), bounds)
}

// Nose returns the square around the estimated nose: centred horizontally,
// 20% of the box height above its bottom edge, with side 20% of the
// shorter box side. Clamped to bounds.
//
// Example:
//
//	Nose(Detection{X1: 50, Y1: 50, X2: 150, Y2: 200}, bounds) // (90,160)-(110,180)
func Nose(d common.Detection, bounds image.Rectangle) images.Rect {
	_, _, _, y2, cx, _, w, h := box(d)
	noseY := y2 - int(noseFraction*float64(h))
	side := int(noseFraction * float64(min(w, h)))
	return square(cx, noseY, side, bounds)
}

// Crop copies a region out of img.
//
// Returns:
//   - error: wraps common.ErrEmptyCrop for a zero-area region.
func Crop(img image.Image, r images.Rect) (*image.NRGBA, error) {
	return images.Crop(img, r)
}

// Select runs the whole region stage: exactly one subject, both regions,
// and the crops named by opts.Kind.
func Select(img image.Image, dets []common.Detection, opts Options) (*Selection, error) {
	target := opts.TargetClass
	if target == "" {
		target = DefaultTargetClass
	}
	d, err := SelectOne(dets, target)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	sel := &Selection{
		Detection: d,
		Primary:   Primary(d, bounds),
		Nose:      Nose(d, bounds),
	}
	if opts.Kind == KindAll || opts.Kind == KindPrimary {
		if sel.PrimaryCrop, err = Crop(img, sel.Primary); err != nil {
			return nil, errors.Wrap(err, "primary region")
		}
	}
	if opts.Kind == KindAll || opts.Kind == KindNose {
		if sel.NoseCrop, err = Crop(img, sel.Nose); err != nil {
			return nil, errors.Wrap(err, "nose region")
		}
	}
	return sel, nil
}
