package preprocess

import (
	"strings"

	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
)

// Variant is one of the mutually exclusive transforms applied to a crop
// before it reaches a model.
type Variant string

const (
	// VariantOriginal leaves the grayscale crop unchanged.
	VariantOriginal Variant = "original"
	// VariantCanny replaces the crop with its Canny edge map.
	VariantCanny Variant = "canny"
	// VariantLaplacian replaces the crop with its absolute Laplacian.
	VariantLaplacian Variant = "laplacian"
	// VariantSobel replaces the crop with its Sobel gradient magnitude.
	VariantSobel Variant = "sobel"
)

// Variants lists every variant in default-preference order.
var Variants = []Variant{VariantOriginal, VariantCanny, VariantLaplacian, VariantSobel}

// ParseVariant resolves a variant name. "identity" is accepted as an alias
// of "original"; matching ignores case.
//
// Arguments:
// - name: The requested variant.
//
// Returns:
// - The variant, or an error wrapping common.ErrUnknownVariant.
//
// @example
// v, err := ParseVariant("Sobel") // VariantSobel
func ParseVariant(name string) (Variant, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "original", "identity":
		return VariantOriginal, nil
	case "canny":
		return VariantCanny, nil
	case "laplacian":
		return VariantLaplacian, nil
	case "sobel":
		return VariantSobel, nil
	default:
		return "", errors.Wrapf(common.ErrUnknownVariant, "%q", name)
	}
}

// String implements fmt.Stringer.
func (v Variant) String() string { return string(v) }

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	switch v {
	case VariantOriginal, VariantCanny, VariantLaplacian, VariantSobel:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so config files and
// request bodies accept the same names as ParseVariant.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v), nil
}
