package images

import (
	"bytes"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
)

// DefaultJPEGQuality is used when encoding crops for storage and download.
const DefaultJPEGQuality = 92

// Crop copies region r out of img after clamping it to the image bounds.
// The result has origin (0,0).
//
// Arguments:
// - img: The source image.
// - r: The region to copy.
//
// Returns:
//   - The cropped copy, or an error wrapping common.ErrEmptyCrop when the
//     clamped region has no area.
func Crop(img image.Image, r Rect) (*image.NRGBA, error) {
	clamped := r.Clamp(img.Bounds())
	if clamped.Empty() {
		return nil, errors.Wrapf(common.ErrEmptyCrop, "region %v within %v", r, img.Bounds())
	}
	return imaging.Crop(img, clamped.Rectangle()), nil
}

// EncodeJPEG writes img as JPEG.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return errors.Wrap(imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)), "encode jpeg")
}

// JPEGBytes encodes img as JPEG into a new buffer.
func JPEGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, DefaultJPEGQuality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
