package rimage

import (
	"gonum.org/v1/gonum/mat"
)

// Kernel is a convolution kernel stored row by row.
type Kernel struct {
	Content [][]float64
	Height  int
	Width   int
}

// At returns the kernel coefficient at column x, row y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction.
func GetSobelX() Kernel {
	return Kernel{[][]float64{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	}, 3, 3}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction.
func GetSobelY() Kernel {
	return Kernel{[][]float64{
		{-1, -2, -1},
		{0, 0, 0},
		{1, 2, 1},
	}, 3, 3}
}

// ConvolveGrayFloat64 correlates a float64 image with the kernel centered on each pixel. There
// is no clamping, and the image border is replicated.
func ConvolveGrayFloat64(m *mat.Dense, filter *Kernel) *mat.Dense {
	h, w := m.Dims()
	result := mat.NewDense(h, w, nil)
	ay, ax := filter.Height/2, filter.Width/2
	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.
			for ky := 0; ky < filter.Height; ky++ {
				row := clamp(y+ky-ay, h-1)
				for kx := 0; kx < filter.Width; kx++ {
					kE := filter.At(kx, ky)
					if kE == 0 {
						continue
					}
					sum += m.At(row, clamp(x+kx-ax, w-1)) * kE
				}
			}
			result.Set(y, x, sum)
		}
	}
	return result
}
