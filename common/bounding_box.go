package common

import (
	"fmt"
	"image"
)

// Detection is a single detector claim: an object of a class at a region with a confidence.
type Detection struct {
	ClassID        int
	Label          string
	Confidence     float32
	X1, Y1, X2, Y2 float32
}

// String formats the detection for logs.
//
// Returns:
// - A formatted string containing object class, confidence, and coordinates.
//
// @example
// det := Detection{Label: "dog", Confidence: 0.95, X1: 50, Y1: 50, X2: 150, Y2: 200}
// fmt.Println(det.String()) // Output: dog#0 (confidence 0.950000): (50.00, 50.00), (150.00, 200.00)
func (d *Detection) String() string {
	return fmt.Sprintf("%s#%d (confidence %f): (%.2f, %.2f), (%.2f, %.2f)",
		d.Label, d.ClassID, d.Confidence, d.X1, d.Y1, d.X2, d.Y2)
}

// ToRect converts the detection box to an image.Rectangle.
//
// Floating-point coordinates are truncated, matching how the box is cropped
// from the source image.
//
// Returns:
// - An image.Rectangle with canonicalized coordinates.
//
// @example
// det := Detection{X1: 100.5, Y1: 100.5, X2: 200.5, Y2: 300.5}
// rect := det.ToRect()
// fmt.Printf("Rectangle: %v\n", rect) // Rectangle: (100,100)-(200,300)
func (d *Detection) ToRect() image.Rectangle {
	return image.Rect(int(d.X1), int(d.Y1), int(d.X2), int(d.Y2)).Canon()
}

// Intersection calculates the intersection area between two detections.
//
// Arguments:
// - other: The other detection to calculate intersection with.
//
// Returns:
// - The area of intersection in pixels as float32.
func (d *Detection) Intersection(other *Detection) float32 {
	intersected := d.ToRect().Intersect(other.ToRect()).Canon().Size()
	return float32(intersected.X * intersected.Y)
}

// Union calculates the union area between two detections.
//
// Arguments:
// - other: The other detection to calculate union with.
//
// Returns:
// - The area of union in pixels as float32.
//
// @example
// a := Detection{X1: 0, Y1: 0, X2: 100, Y2: 100}
// b := Detection{X1: 50, Y1: 50, X2: 150, Y2: 150}
// area := a.Union(&b) // Returns 17500.0
func (d *Detection) Union(other *Detection) float32 {
	size1 := d.ToRect().Size()
	size2 := other.ToRect().Size()
	totalArea := float32(size1.X*size1.Y + size2.X*size2.Y)
	return totalArea - d.Intersection(other)
}

// IoU calculates the Intersection over Union between two detections.
//
// This won't be entirely precise due to conversion to the integral rectangles
// from the image.Image library, but it is only used to estimate which
// boxes are overlapping too much during suppression.
//
// Arguments:
// - other: The other detection to calculate IoU with.
//
// Returns:
// - The IoU value between 0 and 1. Zero when both boxes are empty.
func (d *Detection) IoU(other *Detection) float32 {
	union := d.Union(other)
	if union <= 0 {
		return 0
	}
	return d.Intersection(other) / union
}

// Width returns the box width in pixels after truncation.
func (d *Detection) Width() int {
	return d.ToRect().Dx()
}

// Height returns the box height in pixels after truncation.
func (d *Detection) Height() int {
	return d.ToRect().Dy()
}
