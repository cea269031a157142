package preprocess

import (
	"image"

	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/images/cv"
	"github.com/pkg/errors"
)

// BackendName selects a filter implementation.
type BackendName string

const (
	// BackendOpenCV uses gocv. It is the default.
	BackendOpenCV BackendName = "opencv"
	// BackendNative uses the pure-Go filters in package images, for
	// deployments that want results independent of the OpenCV build.
	BackendNative BackendName = "native"
)

// Backend implements the per-pixel steps of preprocessing.
type Backend interface {
	Name() BackendName
	Grayscale(img image.Image) (*image.Gray, error)
	Canny(img *image.Gray, low, high float32) (*image.Gray, error)
	Laplacian(img *image.Gray) (*image.Gray, error)
	Sobel(img *image.Gray) (*image.Gray, error)
	Blur(img *image.Gray) (*image.Gray, error)
	Resize(img *image.Gray, width, height int) (*image.Gray, error)
}

// NewBackend returns the backend with the given name. The empty name
// selects OpenCV.
func NewBackend(name BackendName) (Backend, error) {
	switch name {
	case "", BackendOpenCV:
		return opencvBackend{}, nil
	case BackendNative:
		return nativeBackend{}, nil
	default:
		return nil, errors.Errorf("unknown preprocessing backend %q", name)
	}
}

type nativeBackend struct{}

func (nativeBackend) Name() BackendName { return BackendNative }

func (nativeBackend) Grayscale(img image.Image) (*image.Gray, error) {
	return images.Grayscale(img), nil
}

func (nativeBackend) Canny(img *image.Gray, low, high float32) (*image.Gray, error) {
	return images.Canny(img, low, high), nil
}

func (nativeBackend) Laplacian(img *image.Gray) (*image.Gray, error) {
	return images.Laplacian(img), nil
}

func (nativeBackend) Sobel(img *image.Gray) (*image.Gray, error) { return images.Sobel(img), nil }

func (nativeBackend) Blur(img *image.Gray) (*image.Gray, error) {
	return images.GaussianBlur3(img), nil
}

func (nativeBackend) Resize(img *image.Gray, width, height int) (*image.Gray, error) {
	return images.ResizeGray(img, width, height), nil
}

type opencvBackend struct{}

func (opencvBackend) Name() BackendName { return BackendOpenCV }

func (opencvBackend) Grayscale(img image.Image) (*image.Gray, error) { return cv.Grayscale(img) }

func (opencvBackend) Canny(img *image.Gray, low, high float32) (*image.Gray, error) {
	return cv.Canny(img, low, high)
}

func (opencvBackend) Laplacian(img *image.Gray) (*image.Gray, error) { return cv.Laplacian(img) }

func (opencvBackend) Sobel(img *image.Gray) (*image.Gray, error) { return cv.Sobel(img) }

func (opencvBackend) Blur(img *image.Gray) (*image.Gray, error) { return cv.GaussianBlur3(img) }

func (opencvBackend) Resize(img *image.Gray, width, height int) (*image.Gray, error) {
	return cv.ResizeGray(img, width, height)
}
