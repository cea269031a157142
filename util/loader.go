// Package util holds small filesystem helpers shared by the CLI.
package util

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/nvr-ai/go-petid/images"
	"github.com/pkg/errors"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Name is the file name without its extension.
	Name string
	// Format is the format implied by the extension.
	Format images.ImageFormat
	// Data is the raw bytes of the image file.
	Data []byte
}

// ListDirectoryImageFiles returns the paths of every file in dir with an
// accepted image extension, sorted by name. Subdirectories are not walked.
func ListDirectoryImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory %s", dir)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := images.FormatFromPath(entry.Name()); !ok {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile sorted by file name.
// - error: Error if listing or reading any file fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	paths, err := ListDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}

	files := make([]ImageFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		format, _ := images.FormatFromPath(p)
		base := filepath.Base(p)
		files = append(files, ImageFile{
			Path:   p,
			Name:   base[:len(base)-len(filepath.Ext(base))],
			Format: format,
			Data:   data,
		})
	}
	return files, nil
}
