package kernels

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayFrom(w, h int, fn func(x, y int) uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = fn(x, y)
		}
	}
	return img
}

// TestMapCoordEdgeModes verifies border index mapping for each edge mode.
func TestMapCoordEdgeModes(t *testing.T) {
	tests := []struct {
		name     string
		i, n     int
		mode     EdgeMode
		expected int
	}{
		{"in range", 3, 5, EdgeReflect101, 3},
		{"clamp low", -2, 5, EdgeClamp, 0},
		{"clamp high", 7, 5, EdgeClamp, 4},
		{"mirror low", -1, 5, EdgeMirror, 0},
		{"mirror high", 5, 5, EdgeMirror, 4},
		{"reflect101 low", -1, 5, EdgeReflect101, 1},
		{"reflect101 high", 5, 5, EdgeReflect101, 3},
		{"reflect101 single", -1, 1, EdgeReflect101, 0},
		{"wrap low", -1, 5, EdgeWrap, 4},
		{"wrap high", 6, 5, EdgeWrap, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapCoord(tt.i, tt.n, tt.mode))
		})
	}
}

// TestConvolve3FlatImage checks derivative kernels vanish on a constant image.
func TestConvolve3FlatImage(t *testing.T) {
	src := grayFrom(16, 12, func(_, _ int) uint8 { return 90 })

	for name, k := range map[string]Kernel3{"sobel_x": SobelX, "sobel_y": SobelY, "laplacian": Laplacian} {
		t.Run(name, func(t *testing.T) {
			out := Convolve3(src, k, EdgeReflect101, nil)
			require.Len(t, out.Pix, 16*12)
			for _, v := range out.Pix {
				assert.Equal(t, float32(0), v, "derivative of a constant image should be zero")
			}
		})
	}
}

// TestConvolve3VerticalEdge checks the horizontal Sobel response on a step edge.
func TestConvolve3VerticalEdge(t *testing.T) {
	src := grayFrom(8, 8, func(x, _ int) uint8 {
		if x < 4 {
			return 0
		}
		return 100
	})

	gx := Convolve3(src, SobelX, EdgeReflect101, nil)
	gy := Convolve3(src, SobelY, EdgeReflect101, nil)

	assert.Equal(t, float32(400), gx.At(3, 4), "left side of the step")
	assert.Equal(t, float32(400), gx.At(4, 4), "right side of the step")
	assert.Equal(t, float32(0), gx.At(1, 4), "flat region")
	assert.Equal(t, float32(0), gy.At(3, 4), "no vertical gradient")
}

func TestSeparable3PreservesConstant(t *testing.T) {
	src := grayFrom(9, 7, func(_, _ int) uint8 { return 200 })
	out := Separable3(src, Gaussian3, EdgeReflect101)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestSaturate(t *testing.T) {
	assert.Equal(t, uint8(0), Saturate(-12))
	assert.Equal(t, uint8(255), Saturate(400))
	assert.Equal(t, uint8(13), Saturate(12.5))
	assert.Equal(t, uint8(12), Saturate(12.49))
}

func TestPoolReuse(t *testing.T) {
	var p Pool
	pl := p.Get(4, 4)
	require.Len(t, pl.Pix, 16)
	p.Put(pl)
	again := p.Get(2, 2)
	assert.Len(t, again.Pix, 4)
	assert.Equal(t, 2, again.Width)
}
