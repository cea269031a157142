package images

import (
	"image"
	"image/draw"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-petid/images/kernels"
)

// Default hysteresis thresholds for Canny.
const (
	CannyLowThreshold  float32 = 50
	CannyHighThreshold float32 = 150
)

// planes reuses derivative buffers across calls.
var planes kernels.Pool

// Parallel executes fn across CPU cores over [0, dataSize).
//
// Arguments:
// - dataSize: The size of the data to process.
// - fn: Function to execute for each partition (receives start and end indices).
//
// @example
//
//	Parallel(height, func(start, end int) {
//	    for y := start; y < end; y++ {
//	        // Process row y
//	    }
//	})
func Parallel(dataSize int, fn func(partStart, partEnd int)) {
	numGoroutines := runtime.NumCPU()

	// Small inputs run serially.
	if dataSize < numGoroutines*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / numGoroutines

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		partStart := i * partSize
		partEnd := partStart + partSize

		// Last partition gets any remaining data.
		if i == numGoroutines-1 {
			partEnd = dataSize
		}

		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(partStart, partEnd)
	}

	wg.Wait()
}

// Grayscale converts an image to 8-bit luma with the BT.601 weights in the
// same 14-bit fixed point OpenCV uses for COLOR_RGB2GRAY, so both
// preprocessing backends agree bit for bit.
//
// Arguments:
// - img: The source image; any color model.
//
// Returns:
// - A grayscale image with origin (0,0).
//
// @example
// gray := Grayscale(decoded.Bitmap)
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	src, ok := img.(*image.NRGBA)
	if !ok {
		src = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)
	}
	sb := src.Bounds()

	Parallel(h, func(start, end int) {
		for y := start; y < end; y++ {
			si := src.PixOffset(sb.Min.X, sb.Min.Y+y)
			di := y * dst.Stride
			for x := 0; x < w; x++ {
				r := uint32(src.Pix[si])
				g := uint32(src.Pix[si+1])
				bl := uint32(src.Pix[si+2])
				dst.Pix[di+x] = uint8((r*4899 + g*9617 + bl*1868 + 1<<13) >> 14)
				si += 4
			}
		}
	})

	return dst
}

// GaussianBlur3 applies the 3x3 Gaussian ([1 2 1]/4 in each direction) with
// reflect-101 borders.
func GaussianBlur3(img *image.Gray) *image.Gray {
	return kernels.Separable3(img, kernels.Gaussian3, kernels.EdgeReflect101)
}

// Sobel returns the gradient magnitude sqrt(gx^2 + gy^2) of 3x3 Sobel
// derivatives, saturated to 8 bits.
func Sobel(img *image.Gray) *image.Gray {
	gx := kernels.Convolve3(img, kernels.SobelX, kernels.EdgeReflect101, &planes)
	gy := kernels.Convolve3(img, kernels.SobelY, kernels.EdgeReflect101, &planes)
	defer planes.Put(gx)
	defer planes.Put(gy)

	dst := image.NewGray(image.Rect(0, 0, gx.Width, gx.Height))
	for i := range gx.Pix {
		dst.Pix[i] = kernels.Saturate(math32.Hypot(gx.Pix[i], gy.Pix[i]))
	}
	return dst
}

// Laplacian returns the absolute 3x3 Laplacian response saturated to 8 bits.
func Laplacian(img *image.Gray) *image.Gray {
	lap := kernels.Convolve3(img, kernels.Laplacian, kernels.EdgeReflect101, &planes)
	defer planes.Put(lap)

	dst := image.NewGray(image.Rect(0, 0, lap.Width, lap.Height))
	for i, v := range lap.Pix {
		dst.Pix[i] = kernels.Saturate(math32.Abs(v))
	}
	return dst
}

// Canny detects edges with 3x3 Sobel gradients, L1 magnitude, non-maximum
// suppression and hysteresis between low and high. Edge pixels are 255,
// everything else 0.
//
// Arguments:
// - img: The grayscale source.
// - low: Lower hysteresis threshold.
// - high: Upper hysteresis threshold.
//
// Returns:
// - The binary edge map.
//
// @example
// edges := Canny(gray, CannyLowThreshold, CannyHighThreshold)
func Canny(img *image.Gray, low, high float32) *image.Gray {
	if low > high {
		low, high = high, low
	}
	gx := kernels.Convolve3(img, kernels.SobelX, kernels.EdgeClamp, &planes)
	gy := kernels.Convolve3(img, kernels.SobelY, kernels.EdgeClamp, &planes)
	defer planes.Put(gx)
	defer planes.Put(gy)

	w, h := gx.Width, gx.Height
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	mag := make([]float32, w*h)
	for i := range mag {
		mag[i] = math32.Abs(gx.Pix[i]) + math32.Abs(gy.Pix[i])
	}
	at := func(x, y int) float32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		tan22 = 0.4142135623730950488 // tan(22.5°)
		tan67 = 2.4142135623730950488 // tan(67.5°)
	)

	// 0 = not an edge, 1 = weak candidate, 2 = strong.
	state := make([]uint8, w*h)
	stack := make([]int, 0, w)

	Parallel(h, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				m := mag[i]
				if m <= low {
					continue
				}
				xs, ys := gx.Pix[i], gy.Pix[i]
				ax, ay := math32.Abs(xs), math32.Abs(ys)

				var maximum bool
				switch {
				case ay < ax*tan22:
					maximum = m > at(x-1, y) && m >= at(x+1, y)
				case ay > ax*tan67:
					maximum = m > at(x, y-1) && m >= at(x, y+1)
				default:
					s := 1
					if (xs < 0) != (ys < 0) {
						s = -1
					}
					maximum = m > at(x-s, y-1) && m >= at(x+s, y+1)
				}
				if !maximum {
					continue
				}
				if m > high {
					state[i] = 2
				} else {
					state[i] = 1
				}
			}
		}
	})

	for i, s := range state {
		if s == 2 {
			stack = append(stack, i)
			dst.Pix[(i/w)*dst.Stride+i%w] = 255
		}
	}

	// Promote weak pixels 8-connected to a strong one.
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cx, cy := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := cx+dx, cy+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] == 1 {
					state[j] = 2
					dst.Pix[ny*dst.Stride+nx] = 255
					stack = append(stack, j)
				}
			}
		}
	}

	return dst
}

// ResizeGray scales a grayscale image with bilinear interpolation.
func ResizeGray(img *image.Gray, width, height int) *image.Gray {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	out := resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	if g, ok := out.(*image.Gray); ok {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(g, g.Bounds(), out, out.Bounds().Min, draw.Src)
	return g
}

// Clamp restricts a value to the specified range [lo, hi].
//
// @example
// clamped := Clamp(300.5, 0, 255) // Returns 255
func Clamp(value, lo, hi float32) float32 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
