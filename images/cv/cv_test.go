package cv

import (
	"image"
	"image/color"
	"testing"

	"github.com/nvr-ai/go-petid/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientSquare(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8((x * 7) % 256)
			if x > size/4 && x < 3*size/4 && y > size/4 && y < 3*size/4 {
				v = 230
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: uint8(y), B: 40, A: 255})
		}
	}
	return img
}

// maxDiff returns the largest per-pixel absolute difference.
func maxDiff(t *testing.T, a, b *image.Gray) int {
	t.Helper()
	require.Equal(t, a.Bounds(), b.Bounds())
	var worst int
	for i := range a.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		worst = max(worst, d)
	}
	return worst
}

// TestMatchesNativeFilters checks the OpenCV and pure-Go filters agree.
func TestMatchesNativeFilters(t *testing.T) {
	src := gradientSquare(64)

	gray, err := Grayscale(src)
	require.NoError(t, err)
	native := images.Grayscale(src)
	assert.LessOrEqual(t, maxDiff(t, gray, native), 1, "grayscale")

	tests := []struct {
		name      string
		cv        func(*image.Gray) (*image.Gray, error)
		native    func(*image.Gray) *image.Gray
		tolerance int
	}{
		{"sobel", Sobel, images.Sobel, 1},
		{"laplacian", Laplacian, images.Laplacian, 0},
		{"blur", GaussianBlur3, images.GaussianBlur3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cv(native)
			require.NoError(t, err)
			assert.LessOrEqual(t, maxDiff(t, got, tt.native(native)), tt.tolerance)
		})
	}
}

func TestCannyBinary(t *testing.T) {
	gray := images.Grayscale(gradientSquare(48))
	out, err := Canny(gray, images.CannyLowThreshold, images.CannyHighThreshold)
	require.NoError(t, err)
	for _, v := range out.Pix {
		require.True(t, v == 0 || v == 255)
	}
}

func TestResizeGray(t *testing.T) {
	gray := images.Grayscale(gradientSquare(40))
	out, err := ResizeGray(gray, 96, 96)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 96), out.Bounds())
}
