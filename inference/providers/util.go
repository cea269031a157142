package providers

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// LibraryPathEnv names the environment variable consulted before the
// platform default.
const LibraryPathEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetSharedLibPath returns the path to the shared library for the current platform.
//
// Arguments:
//   - override: A configured path. Used as-is when non-empty.
//
// Returns:
//   - string: The path to the shared library.
//   - error: When the platform has no known default.
func GetSharedLibPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(LibraryPathEnv); env != "" {
		return env, nil
	}
	return defaultLibPath(runtime.GOOS, runtime.GOARCH)
}

func defaultLibPath(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if goarch == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library known for %s/%s", goos, goarch)
}
