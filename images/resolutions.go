package images

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// AspectRatio represents an aspect ratio by name (e.g., "4:3").
type AspectRatio string

// Aspect ratios used by the upload size presets.
const (
	AspectRatio169 AspectRatio = "16:9"
	AspectRatio43  AspectRatio = "4:3"
	AspectRatio32  AspectRatio = "3:2"
)

// ResolutionType names an upload size preset.
type ResolutionType string

// Upload size presets, roughly the sensor sizes of phone and compact cameras.
const (
	ResolutionTypeFHD1080p ResolutionType = "Full HD 1080p"
	ResolutionType4KUHD    ResolutionType = "4K UHD"
	ResolutionType12MP     ResolutionType = "12MP (4:3)"
	ResolutionType24MP     ResolutionType = "24MP (3:2)"
	ResolutionType48MP     ResolutionType = "48MP (4:3)"
	ResolutionType8KUHD    ResolutionType = "8K UHD"
	ResolutionType200MP    ResolutionType = "200MP (4:3)"
	// ResolutionTypeUnlimited disables the decoded size guard.
	ResolutionTypeUnlimited ResolutionType = "unlimited"
)

// ResolutionPixels describes the exact dimensions of a resolution.
type ResolutionPixels struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Resolution is a named pixel budget.
type Resolution struct {
	Name        ResolutionType   `json:"name"`
	AspectRatio AspectRatio      `json:"aspectRatio"`
	Pixels      ResolutionPixels `json:"pixels"`
}

// GetMegaPixels returns the megapixel count rounded to two decimal places
// (e.g., 2.07 for 1080p).
func (r Resolution) GetMegaPixels() float64 {
	if r.Pixels.Width <= 0 || r.Pixels.Height <= 0 {
		return 0.0
	}
	mp := float64(r.Pixels.Width*r.Pixels.Height) / 1_000_000.0
	return math.Round(mp*100) / 100
}

// String returns a human-readable summary of the resolution.
func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%d, %.2fMP)", r.Name, r.Pixels.Width, r.Pixels.Height, r.GetMegaPixels())
}

// Admits reports whether an image of the given dimensions fits the preset.
// Orientation does not matter: a portrait photo is checked against the
// transposed preset.
func (r Resolution) Admits(width, height int) bool {
	if r.Name == ResolutionTypeUnlimited {
		return true
	}
	long, short := max(width, height), min(width, height)
	plong, pshort := max(r.Pixels.Width, r.Pixels.Height), min(r.Pixels.Width, r.Pixels.Height)
	return long <= plong && short <= pshort
}

var resolutions = map[ResolutionType]Resolution{
	ResolutionTypeFHD1080p:  {Name: ResolutionTypeFHD1080p, AspectRatio: AspectRatio169, Pixels: ResolutionPixels{Width: 1920, Height: 1080}},
	ResolutionType4KUHD:     {Name: ResolutionType4KUHD, AspectRatio: AspectRatio169, Pixels: ResolutionPixels{Width: 3840, Height: 2160}},
	ResolutionType12MP:      {Name: ResolutionType12MP, AspectRatio: AspectRatio43, Pixels: ResolutionPixels{Width: 4000, Height: 3000}},
	ResolutionType24MP:      {Name: ResolutionType24MP, AspectRatio: AspectRatio32, Pixels: ResolutionPixels{Width: 6000, Height: 4000}},
	ResolutionType48MP:      {Name: ResolutionType48MP, AspectRatio: AspectRatio43, Pixels: ResolutionPixels{Width: 8000, Height: 6000}},
	ResolutionType8KUHD:     {Name: ResolutionType8KUHD, AspectRatio: AspectRatio169, Pixels: ResolutionPixels{Width: 7680, Height: 4320}},
	ResolutionType200MP:     {Name: ResolutionType200MP, AspectRatio: AspectRatio43, Pixels: ResolutionPixels{Width: 16320, Height: 12240}},
	ResolutionTypeUnlimited: {Name: ResolutionTypeUnlimited},
}

// GetSupportedResolutions returns every preset ordered by pixel count, with
// the unlimited preset last.
func GetSupportedResolutions() []Resolution {
	all := make([]Resolution, 0, len(resolutions))
	for _, res := range resolutions {
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name == ResolutionTypeUnlimited {
			return false
		}
		if all[j].Name == ResolutionTypeUnlimited {
			return true
		}
		return all[i].Pixels.Width*all[i].Pixels.Height < all[j].Pixels.Width*all[j].Pixels.Height
	})
	return all
}

// GetResolutionByType retrieves a preset by name. Matching ignores case and
// surrounding space; the empty string selects the unlimited preset.
//
// Arguments:
//   - t: The preset name, e.g. "48MP (4:3)".
//
// Returns:
//   - Resolution: The preset.
//   - error: When no preset has that name.
func GetResolutionByType(t ResolutionType) (Resolution, error) {
	name := strings.TrimSpace(string(t))
	if name == "" {
		return resolutions[ResolutionTypeUnlimited], nil
	}
	for k, res := range resolutions {
		if strings.EqualFold(string(k), name) {
			return res, nil
		}
	}
	return Resolution{}, errors.Errorf("unknown resolution preset %q", t)
}
