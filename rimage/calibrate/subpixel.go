package calibrate

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/rimage"
)

// SubPixConfig bounds corner refinement.
type SubPixConfig struct {
	// WindowHalfSize is the half side of the search window; 3 gives a 7x7 window.
	WindowHalfSize int `json:"window_half_size"`
	// MaxIterations caps the number of refinement steps per corner.
	MaxIterations int `json:"max_iterations"`
	// Epsilon stops refinement once a step moves the corner less than this many pixels.
	Epsilon float64 `json:"epsilon"`
}

// DefaultSubPixConfig is a 7x7 window, 20 iterations and 0.03px.
func DefaultSubPixConfig() SubPixConfig {
	return SubPixConfig{WindowHalfSize: 3, MaxIterations: 20, Epsilon: 0.03}
}

// RefineCorners moves each corner to the point where the image gradients in its window are
// orthogonal to the vectors from the corner, which is the saddle of a chessboard corner. The
// result only depends on the inputs.
func RefineCorners(lum *mat.Dense, corners []r2.Point, cfg SubPixConfig) []r2.Point {
	out := make([]r2.Point, len(corners))
	for i, c := range corners {
		out[i] = refineCorner(lum, c, cfg)
	}
	return out
}

func refineCorner(lum *mat.Dense, start r2.Point, cfg SubPixConfig) r2.Point {
	win := cfg.WindowHalfSize
	// gaussian-like weights, as exp(-(d/win)^2) per axis
	weights := make([]float64, 2*win+1)
	for k := -win; k <= win; k++ {
		d := float64(k) / float64(win)
		weights[k+win] = math.Exp(-d * d)
	}
	sample := func(x, y float64) float64 {
		return rimage.BilinearInterpolation(r2.Point{X: x, Y: y}, lum)
	}

	q := start
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		var a11, a12, a22, b1, b2 float64
		for dy := -win; dy <= win; dy++ {
			for dx := -win; dx <= win; dx++ {
				px, py := q.X+float64(dx), q.Y+float64(dy)
				gx := (sample(px+1, py) - sample(px-1, py)) / 2
				gy := (sample(px, py+1) - sample(px, py-1)) / 2
				w := weights[dx+win] * weights[dy+win]
				gxx, gxy, gyy := w*gx*gx, w*gx*gy, w*gy*gy
				a11 += gxx
				a12 += gxy
				a22 += gyy
				b1 += gxx*px + gxy*py
				b2 += gxy*px + gyy*py
			}
		}
		det := a11*a22 - a12*a12
		if math.Abs(det) <= 1e-12*(a11*a22+1) {
			break
		}
		next := r2.Point{X: (a22*b1 - a12*b2) / det, Y: (a11*b2 - a12*b1) / det}
		move := next.Sub(q).Norm()
		q = next
		if move < cfg.Epsilon {
			break
		}
	}
	if math.Abs(q.X-start.X) > float64(win) || math.Abs(q.Y-start.Y) > float64(win) {
		return start
	}
	return q
}
