package images

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"image"
	_ "image/gif"  // register gif decoder
	_ "image/jpeg" // register jpeg decoder
	_ "image/png"  // register png decoder
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // register bmp decoder
	_ "golang.org/x/image/tiff" // register tiff decoder
	_ "golang.org/x/image/webp" // register webp decoder
)

// Source is an upload in one of the accepted encodings. Exactly one field
// should be set; Bytes wins over Base64, which wins over Path.
type Source struct {
	// Bytes is a raw encoded image.
	Bytes []byte
	// Base64 is an encoded image in the standard or URL alphabet, padded or
	// not, optionally prefixed by a data URL header.
	Base64 string
	// Path is a file on disk with one of AllowedExtensions.
	Path string
}

// FromBytes wraps a raw payload.
func FromBytes(b []byte) Source { return Source{Bytes: b} }

// FromBase64 wraps a base64 payload.
func FromBase64(s string) Source { return Source{Base64: s} }

// FromPath wraps a file path.
func FromPath(p string) Source { return Source{Path: p} }

// Loader decodes uploads and enforces a decoded size limit.
type Loader struct {
	// MaxResolution bounds decoded dimensions. The zero value admits anything.
	MaxResolution Resolution
}

// NewLoader returns a loader bounded by the named preset.
func NewLoader(limit ResolutionType) (*Loader, error) {
	res, err := GetResolutionByType(limit)
	if err != nil {
		return nil, err
	}
	return &Loader{MaxResolution: res}, nil
}

// Load decodes src with no size limit.
func Load(src Source) (*Image, error) {
	return (&Loader{MaxResolution: resolutions[ResolutionTypeUnlimited]}).Load(src)
}

// Load decodes src into a canonical RGB bitmap with EXIF orientation applied.
//
// Arguments:
//   - src: The upload.
//
// Returns:
//   - *Image: The decoded image.
//   - error: Wraps common.ErrInvalidImage for empty, malformed, unsupported
//     or oversized payloads.
func (l *Loader) Load(src Source) (*Image, error) {
	payload, err := src.payload()
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.Wrap(common.ErrInvalidImage, "empty payload")
	}

	// Dimensions are checked from the header before any pixels are decoded.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidImage, "decode header: %v", err)
	}
	if l.MaxResolution.Name != "" && !l.MaxResolution.Admits(cfg.Width, cfg.Height) {
		return nil, errors.Wrapf(common.ErrInvalidImage, "image %dx%d exceeds %s", cfg.Width, cfg.Height, l.MaxResolution)
	}

	decoded, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidImage, "decode: %v", err)
	}

	bitmap := imaging.Clone(decoded)
	if bitmap.Bounds().Empty() {
		return nil, errors.Wrap(common.ErrInvalidImage, "zero-sized image")
	}
	opaque(bitmap)

	sum := sha256.Sum256(payload)
	return &Image{
		Format: ImageFormat(format),
		Bitmap: bitmap,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

func (s Source) payload() ([]byte, error) {
	switch {
	case len(s.Bytes) > 0:
		return s.Bytes, nil
	case s.Base64 != "":
		return decodeBase64(s.Base64)
	case s.Path != "":
		if _, ok := FormatFromPath(s.Path); !ok {
			return nil, errors.Wrapf(common.ErrInvalidImage, "unsupported file extension: %s", s.Path)
		}
		b, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, errors.Wrapf(common.ErrInvalidImage, "read %s: %v", s.Path, err)
		}
		return b, nil
	default:
		return nil, nil
	}
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.Contains(s[:comma], ";base64") {
			return nil, errors.Wrap(common.ErrInvalidImage, "malformed data URL")
		}
		s = s[comma+1:]
	}
	s = strings.TrimRight(s, "=")

	encodings := []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.Wrap(common.ErrInvalidImage, "invalid base64 payload")
}

// opaque drops transparency in place, keeping the colour channels.
func opaque(img *image.NRGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}
