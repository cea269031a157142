package regions

import (
	"image"
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dog(x1, y1, x2, y2 float32) common.Detection {
	return common.Detection{ClassID: 16, Label: "dog", Confidence: 0.9, X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestSelectOne(t *testing.T) {
	person := common.Detection{Label: "person", Confidence: 0.95}

	tests := []struct {
		name  string
		dets  []common.Detection
		count int
	}{
		{name: "none", dets: nil, count: 0},
		{name: "only other classes", dets: []common.Detection{person}, count: 0},
		{name: "two dogs", dets: []common.Detection{dog(0, 0, 1, 1), person, dog(2, 2, 3, 3)}, count: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectOne(tt.dets, "dog")
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrDetectionCountMismatch))
			var countErr *common.DetectionCountError
			require.True(t, errors.As(err, &countErr))
			assert.Equal(t, tt.count, countErr.Count)
		})
	}

	got, err := SelectOne([]common.Detection{person, dog(1, 2, 3, 4)}, "dog")
	require.NoError(t, err)
	assert.Equal(t, float32(2), got.Y1)
}

func TestPrimary(t *testing.T) {
	bounds := image.Rect(0, 0, 400, 400)
	assert.Equal(t, images.Rect{X1: 25, Y1: 50, X2: 175, Y2: 200}, Primary(dog(50, 50, 150, 200), bounds))

	// Clamped, not padded: the square overhangs the left edge.
	r := Primary(dog(0, 100, 20, 200), bounds)
	assert.Equal(t, images.Rect{X1: 0, Y1: 100, X2: 60, Y2: 200}, r)
}

func TestNose(t *testing.T) {
	bounds := image.Rect(0, 0, 400, 400)
	assert.Equal(t, images.Rect{X1: 90, Y1: 160, X2: 110, Y2: 180}, Nose(dog(50, 50, 150, 200), bounds))

	// Fractional coordinates are truncated before the arithmetic.
	assert.Equal(t, Nose(dog(50, 50, 150, 200), bounds), Nose(dog(50.9, 50.2, 150.7, 200.99), bounds))

	// A box too small for a nose gives an empty region.
	assert.True(t, Nose(dog(10, 10, 14, 14), bounds).Empty())
}

func TestSelect(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 300, 300))
	dets := []common.Detection{dog(50, 50, 150, 200)}

	sel, err := Select(img, dets, Options{})
	require.NoError(t, err)
	assert.Equal(t, 150, sel.PrimaryCrop.Bounds().Dx())
	assert.Equal(t, 20, sel.NoseCrop.Bounds().Dx())
	assert.Equal(t, image.Pt(0, 0), sel.NoseCrop.Bounds().Min)

	sel, err = Select(img, dets, Options{Kind: KindNose})
	require.NoError(t, err)
	assert.Nil(t, sel.PrimaryCrop)
	assert.NotNil(t, sel.NoseCrop)

	_, err = Select(img, []common.Detection{dog(10, 10, 14, 14)}, Options{Kind: KindNose})
	assert.True(t, errors.Is(err, common.ErrEmptyCrop))

	_, err = Select(img, dets, Options{TargetClass: "cat"})
	assert.True(t, errors.Is(err, common.ErrDetectionCountMismatch))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("nose")
	require.NoError(t, err)
	assert.Equal(t, KindNose, k)
	_, err = ParseKind("ear")
	assert.Error(t, err)
}
