package inference

import (
	"os"
	"sync"

	"github.com/nvr-ai/go-petid/inference/providers"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitEnvironment loads the onnxruntime shared library and initialises the
// process-wide runtime environment. Only the first call does any work; later
// calls return its result.
//
// Arguments:
//   - libraryPath: Overrides the platform default library location.
func InitEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		path, err := providers.GetSharedLibPath(libraryPath)
		if err != nil {
			envErr = err
			return
		}
		if _, err := os.Stat(path); err != nil {
			envErr = errors.Wrapf(err, "onnxruntime library not found at %s", path)
			return
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = errors.Wrap(err, "initialize onnxruntime environment")
		}
	})
	return envErr
}

// DestroyEnvironment tears down the runtime environment. Sessions must be
// closed first.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
