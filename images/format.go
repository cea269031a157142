package images

import (
	"path/filepath"
	"strings"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants. Values are the names reported by image.Decode.
const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatGIF  ImageFormat = "gif"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
	FormatWebP ImageFormat = "webp"
)

// AllowedExtensions maps accepted upload file extensions to their format.
var AllowedExtensions = map[string]ImageFormat{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".bmp":  FormatBMP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".webp": FormatWebP,
}

// FormatFromPath returns the format implied by a file name's extension.
func FormatFromPath(path string) (ImageFormat, bool) {
	f, ok := AllowedExtensions[strings.ToLower(filepath.Ext(path))]
	return f, ok
}
