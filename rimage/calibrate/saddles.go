package calibrate

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage"
	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/utils"
)

// SaddleConfiguration stores the parameters to process the Hessian determinant image into saddle points.
type SaddleConfiguration struct {
	BlurSigma         float64 `json:"blur"`           // gaussian blur applied before differentiation
	RelativeThreshold float64 `json:"relative-score"` // initial pruning threshold as a fraction of the best saddle score
	MaxCandidates     int     `json:"max-candidates"` // pruning doubles the threshold until at most this many pixels remain
	NMSWindowSize     int     `json:"win-size"`       // half size of the non-maximum suppression window
	SnapTolerance     float64 `json:"snap"`           // max distance to a predicted corner, as a fraction of the local square size
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	BlurSigma:         1.5,
	RelativeThreshold: 0.1,
	MaxCandidates:     10000,
	NMSWindowSize:     5,
	SnapTolerance:     0.35,
}

// Saddle is a candidate chessboard corner.
type Saddle struct {
	Pt    image.Point
	Score float64
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) *mat.Dense {
	nRows, nCols := img.Dims()
	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gX := rimage.ConvolveGrayFloat64(img, &sobelX)
	gY := rimage.ConvolveGrayFloat64(img, &sobelY)
	gXX := rimage.ConvolveGrayFloat64(gX, &sobelX)
	gYY := rimage.ConvolveGrayFloat64(gY, &sobelY)
	gXY := rimage.ConvolveGrayFloat64(gX, &sobelY)
	m1 := mat.NewDense(nRows, nCols, nil)
	m2 := mat.NewDense(nRows, nCols, nil)
	out := mat.NewDense(nRows, nCols, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out
}

// countPositive counts strictly positive elements.
func countPositive(m mat.Matrix) int {
	r, c := m.Dims()
	n := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				n++
			}
		}
	}
	return n
}

// PruneSaddle zeroes scores below a threshold that starts at RelativeThreshold times the best
// score and doubles until at most MaxCandidates non-zero points remain.
func PruneSaddle(s mat.Matrix, cfg *SaddleConfiguration) *mat.Dense {
	pruned := mat.DenseCopyOf(s)
	thresh := cfg.RelativeThreshold * mat.Max(pruned)
	if thresh <= 0 {
		return pruned
	}
	decFilt := func(r, c int, v float64) float64 {
		if v < thresh {
			return 0.
		}
		return v
	}
	pruned.Apply(decFilt, pruned)
	for countPositive(pruned) > cfg.MaxCandidates {
		thresh *= 2
		pruned.Apply(decFilt, pruned)
	}
	return pruned
}

// NonMaxSuppression keeps the points of img that are the maximum of their (2*winSize+1)^2
// neighborhood. Exact ties go to the first point in raster order.
func NonMaxSuppression(img *mat.Dense, winSize int) []Saddle {
	h, w := img.Dims()
	var out []Saddle
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := img.At(i, j)
			if v <= 0 {
				continue
			}
			isMax := true
			for ii := max(0, i-winSize); ii < min(h, i+winSize+1) && isMax; ii++ {
				for jj := max(0, j-winSize); jj < min(w, j+winSize+1); jj++ {
					n := img.At(ii, jj)
					if n > v || (n == v && (ii < i || (ii == i && jj < j))) {
						isMax = false
						break
					}
				}
			}
			if isMax {
				out = append(out, Saddle{Pt: image.Point{X: j, Y: i}, Score: v})
			}
		}
	}
	return out
}

// GetSaddlePoints returns the saddle candidates of a luminance image sorted by decreasing score.
func GetSaddlePoints(img *mat.Dense, conf *SaddleConfiguration) []Saddle {
	hessian := computePixelWiseHessianDeterminant(img)
	// saddle points are points where determinant of hessian is <0
	// for better readability, using negative determinant of Hessian
	hessian.Scale(-1.0, hessian)
	hessian.Apply(func(r, c int, v float64) float64 {
		if v < 0 {
			return 0.
		}
		return v
	}, hessian)
	saddleMap := PruneSaddle(hessian, conf)
	saddles := NonMaxSuppression(saddleMap, conf.NMSWindowSize)
	sort.SliceStable(saddles, func(a, b int) bool { return saddles[a].Score > saddles[b].Score })
	return saddles
}

// SaddleDetector finds chessboard inner corners as saddle points of the image intensity.
type SaddleDetector struct {
	Conf   SaddleConfiguration
	logger logging.Logger
}

// NewSaddleDetector returns a detector using the given configuration.
func NewSaddleDetector(conf SaddleConfiguration, logger logging.Logger) *SaddleDetector {
	return &SaddleDetector{Conf: conf, logger: logger}
}

// DetectPatternCorners returns the rows*cols inner corners in row-major order. The first corner
// is the outer corner nearest the image top-left and each row runs along the board edge that
// holds the larger of rows and cols (the top edge for square boards). Positions are whole
// pixels; see RefineCorners.
func (sd *SaddleDetector) DetectPatternCorners(img image.Image, rows, cols int) ([]r2.Point, error) {
	if rows < 2 || cols < 2 {
		return nil, utils.NewInputError("chessboard needs at least 2x2 inner corners, got %dx%d", rows, cols)
	}
	lum := rimage.ConvertImageToLuminanceFloat(img, sd.Conf.BlurSigma)
	saddles := GetSaddlePoints(lum, &sd.Conf)
	if sd.logger != nil {
		sd.logger.Debugw("saddle candidates", "count", len(saddles), "want", rows*cols)
	}
	if len(saddles) < rows*cols {
		return nil, utils.NewDetectionFailureError("found %d saddle points, need %d", len(saddles), rows*cols)
	}
	candidates := make([]r2.Point, len(saddles))
	for i, s := range saddles {
		candidates[i] = r2.Point{X: float64(s.Pt.X), Y: float64(s.Pt.Y)}
	}
	return orderGrid(candidates, rows, cols, sd.Conf.SnapTolerance)
}

// orderGrid picks the board's outer corners among the strongest rows*cols candidates, predicts
// every inner corner with the homography they define, and snaps each prediction to the nearest
// candidate.
func orderGrid(candidates []r2.Point, rows, cols int, snapTolerance float64) ([]r2.Point, error) {
	strongest := candidates[:rows*cols]
	tl, tr, bl, br := strongest[0], strongest[0], strongest[0], strongest[0]
	for _, p := range strongest {
		if p.X+p.Y < tl.X+tl.Y {
			tl = p
		}
		if p.X+p.Y > br.X+br.Y {
			br = p
		}
		if p.X-p.Y > tr.X-tr.Y {
			tr = p
		}
		if p.X-p.Y < bl.X-bl.Y {
			bl = p
		}
	}

	horizontalRows := rows == cols || (tr.Sub(tl).Norm() >= bl.Sub(tl).Norm()) == (cols > rows)
	last := r2.Point{X: float64(cols - 1), Y: float64(rows - 1)}
	var ideal []r2.Point
	if horizontalRows {
		ideal = []r2.Point{{X: 0, Y: 0}, {X: last.X, Y: 0}, {X: 0, Y: last.Y}, last}
	} else {
		ideal = []r2.Point{{X: 0, Y: 0}, {X: 0, Y: last.Y}, {X: last.X, Y: 0}, last}
	}
	h, err := transform.EstimateHomography(ideal, []r2.Point{tl, tr, bl, br})
	if err != nil {
		return nil, utils.NewDetectionFailureError("outer corners do not form a quadrilateral: %v", err)
	}

	used := make(map[r2.Point]bool, rows*cols)
	out := make([]r2.Point, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			here := r2.Point{X: float64(j), Y: float64(i)}
			predicted := h.Apply(here)
			spacing := math.Min(
				h.Apply(here.Add(r2.Point{X: 1})).Sub(predicted).Norm(),
				h.Apply(here.Add(r2.Point{Y: 1})).Sub(predicted).Norm(),
			)
			best, bestDist := predicted, math.Inf(1)
			for _, c := range candidates {
				if d := c.Sub(predicted).Norm(); d < bestDist {
					best, bestDist = c, d
				}
			}
			if bestDist > snapTolerance*spacing || used[best] {
				return nil, utils.NewDetectionFailureError("no saddle point near predicted corner (%d, %d)", i, j)
			}
			used[best] = true
			out = append(out, best)
		}
	}
	return out, nil
}
