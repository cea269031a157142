// Package images - image decoding, geometry and single-channel filters used
// ahead of the embedding models.
package images

import "image"

// Rect is a lightweight pixel region.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// RectFrom converts an image.Rectangle.
func RectFrom(r image.Rectangle) Rect {
	return Rect{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Dx returns the width of the region.
func (r Rect) Dx() int { return r.X2 - r.X1 }

// Dy returns the height of the region.
func (r Rect) Dy() int { return r.Y2 - r.Y1 }

// Empty reports whether the region covers no pixels.
func (r Rect) Empty() bool { return r.X1 >= r.X2 || r.Y1 >= r.Y2 }

// Rectangle converts to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// Clamp restricts the region to bounds. The result may be empty when the
// region lies entirely outside.
//
// Arguments:
//   - bounds: The image bounds to clamp into.
//
// Returns:
//   - The clamped region. No padding is added, so a square region that
//     overhangs an edge becomes non-square.
//
// Example Usage:
// ```go
//
//	r := Rect{X1: -10, Y1: 5, X2: 30, Y2: 45}.Clamp(image.Rect(0, 0, 20, 20))
//	// r == Rect{0, 5, 20, 20}
//
// ```
func (r Rect) Clamp(bounds image.Rectangle) Rect {
	return Rect{
		X1: min(max(r.X1, bounds.Min.X), bounds.Max.X),
		Y1: min(max(r.Y1, bounds.Min.Y), bounds.Max.Y),
		X2: min(max(r.X2, bounds.Min.X), bounds.Max.X),
		Y2: min(max(r.Y2, bounds.Min.Y), bounds.Max.Y),
	}
}

// CalculateIoU returns the Intersection over Union of two regions, a value
// between 0.0 (disjoint) and 1.0 (identical).
//
//	IoU = Area of Intersection / Area of Union
//
// Arguments:
//   - r: The first region.
//   - o: The other region to compare against.
//
// Returns:
//   - float32: The IoU score. Touching edges count as no overlap.
//
// Example Usage:
// ```go
//
//	rect1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	rect2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iouScore := CalculateIoU(rect1, rect2) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	// Inclusion-exclusion: Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
	unionArea := r.Dx()*r.Dy() + o.Dx()*o.Dy() - interArea

	return float32(interArea) / float32(unionArea)
}
