// Package test provides deterministic images and model fakes for tests
// across the module.
package test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/stretchr/testify/require"
)

// MockImageGenerator draws deterministic photos of a single dog: a flat
// background, a body box and a speckled nose patch whose pattern depends
// on the seed.
//
// @example
// gen := NewMockImageGenerator(320, 240)
// img := gen.Image(t, 7)
// det := gen.DogDetection()
type MockImageGenerator struct {
	width  int
	height int
}

// NewMockImageGenerator creates a new generator with specified dimensions.
//
// Arguments:
// - width: Image width in pixels.
// - height: Image height in pixels.
//
// Returns:
// - A configured MockImageGenerator instance.
func NewMockImageGenerator(width, height int) *MockImageGenerator {
	return &MockImageGenerator{width: width, height: height}
}

// DogBox returns the drawn body box.
func (g *MockImageGenerator) DogBox() image.Rectangle {
	return image.Rect(g.width/5, g.height/6, g.width*4/5, g.height*11/12)
}

// DogDetection returns a detection matching DogBox.
func (g *MockImageGenerator) DogDetection() common.Detection {
	b := g.DogBox()
	return common.Detection{
		ClassID:    16,
		Label:      "dog",
		Confidence: 0.91,
		X1:         float32(b.Min.X),
		Y1:         float32(b.Min.Y),
		X2:         float32(b.Max.X),
		Y2:         float32(b.Max.Y),
	}
}

// Bitmap draws the photo for seed.
func (g *MockImageGenerator) Bitmap(seed int64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, g.width, g.height))
	fill(img, img.Bounds(), color.NRGBA{R: 96, G: 128, B: 80, A: 255})

	body := g.DogBox()
	fill(img, body, color.NRGBA{R: 170, G: 120, B: 70, A: 255})

	// Nose patch around where the nose region is derived.
	w, h := body.Dx(), body.Dy()
	side := min(w, h) / 4
	cx := (body.Min.X + body.Max.X) / 2
	cy := body.Max.Y - h/5
	nose := image.Rect(cx-side/2, cy-side/2, cx+side/2, cy+side/2)

	rng := rand.New(rand.NewSource(seed))
	for y := nose.Min.Y; y < nose.Max.Y; y++ {
		for x := nose.Min.X; x < nose.Max.X; x++ {
			v := uint8(20 + rng.Intn(60))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// PNG returns the photo for seed encoded as PNG.
func (g *MockImageGenerator) PNG(t testing.TB, seed int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, g.Bitmap(seed)))
	return buf.Bytes()
}

// Image returns the photo for seed decoded through the image loader, so it
// carries a digest like an upload does.
func (g *MockImageGenerator) Image(t testing.TB, seed int64) *images.Image {
	t.Helper()
	img, err := images.Load(images.FromBytes(g.PNG(t, seed)))
	require.NoError(t, err)
	return img
}

func fill(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}
