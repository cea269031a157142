package images

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoad_Sources(t *testing.T) {
	raw := testPNG(t, 24, 16)
	dir := t.TempDir()
	path := filepath.Join(dir, "dog.PNG")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	std := base64.StdEncoding.EncodeToString(raw)
	url := base64.RawURLEncoding.EncodeToString(raw)

	tests := []struct {
		name string
		src  Source
	}{
		{"bytes", FromBytes(raw)},
		{"base64 std", FromBase64(std)},
		{"base64 url unpadded", FromBase64(url)},
		{"data url", FromBase64("data:image/png;base64," + std)},
		{"path", FromPath(path)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Load(tt.src)
			require.NoError(t, err)
			assert.Equal(t, FormatPNG, img.Format)
			assert.Equal(t, 24, img.Width())
			assert.Equal(t, 16, img.Height())
			assert.Equal(t, image.Pt(0, 0), img.Bounds().Min)
			assert.Len(t, img.Digest, 64)
			assert.Equal(t, uint8(0xff), img.Bitmap.NRGBAAt(3, 3).A, "alpha is dropped")
			assert.Equal(t, uint8(3), img.Bitmap.NRGBAAt(3, 5).R, "colour survives")
		})
	}
}

func TestLoad_JPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil))

	img, err := Load(FromBytes(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, img.Format)
}

func TestLoad_DigestIsStable(t *testing.T) {
	raw := testPNG(t, 4, 4)
	a, err := Load(FromBytes(raw))
	require.NoError(t, err)
	b, err := Load(FromBase64(base64.StdEncoding.EncodeToString(raw)))
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
}

// TestLoad_Invalid checks every rejection is tagged ErrInvalidImage.
func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "dog.txt")
	require.NoError(t, os.WriteFile(txt, testPNG(t, 2, 2), 0o600))

	tests := []struct {
		name string
		src  Source
	}{
		{"empty", Source{}},
		{"garbage bytes", FromBytes([]byte("definitely not an image"))},
		{"bad base64", FromBase64("!!!not-base64!!!")},
		{"malformed data url", FromBase64("data:image/png,abc")},
		{"bad extension", FromPath(txt)},
		{"missing file", FromPath(filepath.Join(dir, "missing.jpg"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrInvalidImage), "got %v", err)
		})
	}
}

func TestLoader_MaxResolution(t *testing.T) {
	loader := &Loader{MaxResolution: Resolution{Name: "tiny", Pixels: ResolutionPixels{Width: 20, Height: 10}}}

	_, err := loader.Load(FromBytes(testPNG(t, 10, 20)))
	require.NoError(t, err, "portrait fits the transposed preset")

	_, err = loader.Load(FromBytes(testPNG(t, 21, 10)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidImage))

	_, err = NewLoader("no such preset")
	assert.Error(t, err)
}

func TestCrop(t *testing.T) {
	img, err := Load(FromBytes(testPNG(t, 50, 40)))
	require.NoError(t, err)

	crop, err := Crop(img.Bitmap, Rect{X1: 40, Y1: 30, X2: 60, Y2: 50})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), crop.Bounds(), "clamped, not padded")
	assert.Equal(t, uint8(40), crop.NRGBAAt(0, 0).R)

	_, err = Crop(img.Bitmap, Rect{X1: 10, Y1: 10, X2: 10, Y2: 20})
	assert.True(t, errors.Is(err, common.ErrEmptyCrop))

	data, err := JPEGBytes(crop)
	require.NoError(t, err)
	decoded, err := Load(FromBytes(data))
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, decoded.Format)
}
