package images

import "image"

// Image is a decoded upload: a canonical RGB bitmap with origin (0,0) plus
// the format it was decoded from.
type Image struct {
	// The format of the source payload.
	Format ImageFormat `json:"format" yaml:"format"`
	// Bitmap holds the decoded pixels. Alpha is always opaque.
	Bitmap *image.NRGBA `json:"-" yaml:"-"`
	// Digest is the hex SHA-256 of the source payload.
	Digest string `json:"digest" yaml:"digest"`
}

// Width returns the bitmap width.
func (i *Image) Width() int { return i.Bitmap.Bounds().Dx() }

// Height returns the bitmap height.
func (i *Image) Height() int { return i.Bitmap.Bounds().Dy() }

// Bounds returns the bitmap bounds.
func (i *Image) Bounds() image.Rectangle { return i.Bitmap.Bounds() }
