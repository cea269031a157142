package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// PrepareInput prepares the input for a square RGB model: the image is
// stretched to size x size with Lanczos3 and written as planar CHW floats in
// [0,1].
//
// Arguments:
//   - img: The image to prepare.
//   - dst: The destination buffer, at least 3*size*size long.
//   - size: The model's square input side.
//
// Returns:
//   - error: An error if the destination is too small.
func PrepareInput(img image.Image, dst []float32, size int) error {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return errors.Errorf("destination only holds %d floats, needs %d", len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	b := img.Bounds()

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}
