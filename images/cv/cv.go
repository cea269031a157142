// Package cv - OpenCV implementations of the single-channel filters in
// package images. Each function takes and returns *image.Gray so the two
// implementations are interchangeable.
package cv

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Grayscale converts an image to 8-bit luma with COLOR_RGB2GRAY.
func Grayscale(img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	src, err := gocv.ImageToMatRGBA(rgba)
	if err != nil {
		return nil, errors.Wrap(err, "image to mat")
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)

	return toGray(gray)
}

// Canny runs cv::Canny with a 3x3 aperture and L1 gradient.
func Canny(img *image.Gray, low, high float32) (*image.Gray, error) {
	return apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Canny(src, dst, low, high)
	})
}

// Laplacian returns |Laplacian| with a 3x3 aperture, saturated to 8 bits.
func Laplacian(img *image.Gray) (*image.Gray, error) {
	return apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		lap := gocv.NewMat()
		defer lap.Close()
		// ksize=1 selects the 3x3 [0 1 0; 1 -4 1; 0 1 0] aperture.
		gocv.Laplacian(src, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
		gocv.ConvertScaleAbs(lap, dst, 1, 0)
	})
}

// Sobel returns sqrt(gx^2 + gy^2) of 3x3 Sobel derivatives, saturated to 8 bits.
func Sobel(img *image.Gray) (*image.Gray, error) {
	return apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gx, gy, mag := gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
		defer gx.Close()
		defer gy.Close()
		defer mag.Close()

		gocv.Sobel(src, &gx, gocv.MatTypeCV64F, 1, 0, 3, 1, 0, gocv.BorderDefault)
		gocv.Sobel(src, &gy, gocv.MatTypeCV64F, 0, 1, 3, 1, 0, gocv.BorderDefault)
		gocv.Magnitude(gx, gy, &mag)
		mag.ConvertTo(dst, gocv.MatTypeCV8U)
	})
}

// GaussianBlur3 applies a 3x3 Gaussian with sigma derived from the size.
func GaussianBlur3(img *image.Gray) (*image.Gray, error) {
	return apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.GaussianBlur(src, dst, image.Pt(3, 3), 0, 0, gocv.BorderDefault)
	})
}

// ResizeGray scales with bilinear interpolation.
func ResizeGray(img *image.Gray, width, height int) (*image.Gray, error) {
	return apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Resize(src, dst, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	})
}

func apply(img *image.Gray, fn func(src gocv.Mat, dst *gocv.Mat)) (*image.Gray, error) {
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, errors.Wrap(err, "image to mat")
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	fn(src, &dst)
	return toGray(dst)
}

func toGray(m gocv.Mat) (*image.Gray, error) {
	if m.Empty() {
		return nil, errors.New("opencv produced an empty mat")
	}
	out, err := m.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "mat to image")
	}
	g, ok := out.(*image.Gray)
	if !ok {
		return nil, errors.Errorf("unexpected image type %T", out)
	}
	return g, nil
}
