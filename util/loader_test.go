package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-petid/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectoryImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"rex.PNG", "ace.jpg", "notes.txt", "bella.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o700))

	files, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "ace", files[0].Name)
	assert.Equal(t, images.FormatJPEG, files[0].Format)
	assert.Equal(t, []byte("ace.jpg"), files[0].Data)
	assert.Equal(t, "bella", files[1].Name)
	assert.Equal(t, images.FormatPNG, files[2].Format)
}

func TestLoadDirectoryImageFiles_Missing(t *testing.T) {
	_, err := LoadDirectoryImageFiles(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
