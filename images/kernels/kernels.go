// Package kernels - 3x3 convolution kernels over single-channel images.
package kernels

import (
	"image"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
)

// EdgeMode defines how sampling behaves outside the image bounds.
// - Clamp: repeats edge pixels.
// - Mirror: reflects coordinates, duplicating the edge pixel (fedcba|abcdef).
// - Reflect101: reflects without duplicating the edge (gfedcb|abcdef), the OpenCV default.
// - Wrap: tiles the image.
type EdgeMode int

const (
	EdgeClamp EdgeMode = iota
	EdgeMirror
	EdgeReflect101
	EdgeWrap
)

// Kernel3 is a row-major 3x3 convolution kernel.
type Kernel3 [9]float32

var (
	// SobelX is the horizontal first-derivative aperture.
	SobelX = Kernel3{-1, 0, 1, -2, 0, 2, -1, 0, 1}
	// SobelY is the vertical first-derivative aperture.
	SobelY = Kernel3{-1, -2, -1, 0, 0, 0, 1, 2, 1}
	// Laplacian is the 4-neighbour second-derivative aperture.
	Laplacian = Kernel3{0, 1, 0, 1, -4, 1, 0, 1, 0}
)

// Gaussian3 is the normalised 3-tap Gaussian used for ksize=3 when sigma is derived from the size.
var Gaussian3 = [3]float32{0.25, 0.5, 0.25}

// Plane is a single-channel float32 image with origin (0,0).
type Plane struct {
	Width  int
	Height int
	Pix    []float32
}

// At returns the value at (x, y).
func (p *Plane) At(x, y int) float32 {
	return p.Pix[y*p.Width+x]
}

// Pool lets callers reuse float planes across calls to reduce GC pressure.
type Pool struct {
	planes sync.Pool // *Plane
}

// Get returns a plane of the requested size. Contents are undefined.
func (p *Pool) Get(width, height int) *Plane {
	if p != nil {
		if v := p.planes.Get(); v != nil {
			pl := v.(*Plane)
			if cap(pl.Pix) >= width*height {
				pl.Width, pl.Height = width, height
				pl.Pix = pl.Pix[:width*height]
				return pl
			}
		}
	}
	return &Plane{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// Put returns a plane to the pool.
func (p *Pool) Put(pl *Plane) {
	if p == nil || pl == nil {
		return
	}
	p.planes.Put(pl)
}

// Convolve3 applies a 3x3 kernel to a grayscale image and returns the raw
// float response (no saturation), so callers can take magnitudes or
// absolute values before narrowing to 8 bits.
//
// Arguments:
// - src: Source grayscale image.
// - k: The kernel, applied as correlation (OpenCV filter2D semantics).
// - edge: Border handling.
// - pool: Optional plane pool; nil allocates.
//
// Returns:
// - A plane with the same dimensions as src.
func Convolve3(src *image.Gray, k Kernel3, edge EdgeMode, pool *Pool) *Plane {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := pool.Get(w, h)
	if w == 0 || h == 0 {
		return dst
	}

	parallelRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			rows := [3]int{mapCoord(y-1, h, edge), y, mapCoord(y+1, h, edge)}
			for x := 0; x < w; x++ {
				cols := [3]int{mapCoord(x-1, w, edge), x, mapCoord(x+1, w, edge)}
				var acc float32
				for ky := 0; ky < 3; ky++ {
					off := rows[ky] * src.Stride
					for kx := 0; kx < 3; kx++ {
						coef := k[ky*3+kx]
						if coef == 0 {
							continue
						}
						acc += coef * float32(src.Pix[off+cols[kx]])
					}
				}
				dst.Pix[y*w+x] = acc
			}
		}
	})

	return dst
}

// Separable3 applies a symmetric 3-tap kernel horizontally then vertically and
// rounds back to 8 bits with saturation.
func Separable3(src *image.Gray, k [3]float32, edge EdgeMode) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	tmp := make([]float32, w*h)
	parallelRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			off := y * src.Stride
			for x := 0; x < w; x++ {
				l := float32(src.Pix[off+mapCoord(x-1, w, edge)])
				c := float32(src.Pix[off+x])
				r := float32(src.Pix[off+mapCoord(x+1, w, edge)])
				tmp[y*w+x] = k[0]*l + k[1]*c + k[2]*r
			}
		}
	})

	parallelRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			up := mapCoord(y-1, h, edge) * w
			down := mapCoord(y+1, h, edge) * w
			for x := 0; x < w; x++ {
				v := k[0]*tmp[up+x] + k[1]*tmp[y*w+x] + k[2]*tmp[down+x]
				dst.Pix[y*dst.Stride+x] = Saturate(v)
			}
		}
	})

	return dst
}

// Saturate rounds to the nearest integer and clamps to [0, 255].
func Saturate(v float32) uint8 {
	v = math32.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// mapCoord maps an index i to [0, n) according to edge mode.
func mapCoord(i, n int, mode EdgeMode) int {
	if i >= 0 && i < n {
		return i
	}
	switch mode {
	case EdgeMirror:
		if n == 1 {
			return 0
		}
		for i < 0 || i >= n {
			if i < 0 {
				i = -i - 1
			} else {
				i = 2*n - i - 1
			}
		}
		return i
	case EdgeReflect101:
		if n == 1 {
			return 0
		}
		for i < 0 || i >= n {
			if i < 0 {
				i = -i
			} else {
				i = 2*n - i - 2
			}
		}
		return i
	case EdgeWrap:
		i %= n
		if i < 0 {
			i += n
		}
		return i
	default:
		if i < 0 {
			return 0
		}
		return n - 1
	}
}

// parallelRows splits [0, n) across CPUs. Small inputs run inline.
func parallelRows(n int, fn func(start, end int)) {
	workers := runtime.NumCPU()
	if n < workers*8 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
