package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 50, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	const size = 32
	dst := make([]float32, 3*size*size)
	require.NoError(t, PrepareInput(img, dst, size))

	plane := size * size
	assert.InDelta(t, 1.0, dst[0], 1e-6)
	assert.InDelta(t, 0.0, dst[plane], 1e-6)
	assert.InDelta(t, 0.2, dst[2*plane+plane/2], 1e-6)
	for _, v := range dst {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestPrepareInputShortBuffer(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	assert.Error(t, PrepareInput(img, make([]float32, 10), 4))
}
