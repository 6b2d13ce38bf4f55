package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/utils"
)

// collinearityThreshold bounds the ratio of the scatter matrix eigenvalues of normalized points.
const collinearityThreshold = 1e-10

// Homography is a 3x3 matrix (represented as a 2D array) used to transform one plane to another
// under perspective. Indices are [row][column].
type Homography [3][3]float64

// NewHomographyFromDense copies a 3x3 gonum matrix.
func NewHomographyFromDense(m mat.Matrix) (*Homography, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("homography must be 3x3, got %dx%d", r, c)
	}
	h := &Homography{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = m.At(i, j)
		}
	}
	return h, nil
}

// At returns the element at row, col.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Col returns a column as a slice.
func (h *Homography) Col(col int) []float64 {
	return []float64{h[0][col], h[1][col], h[2][col]}
}

// Dense returns a gonum copy of the homography.
func (h *Homography) Dense() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		m.SetRow(i, h[i][:])
	}
	return m
}

// Apply maps a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct
// linear transform (Multiple View Geometry, Alg 4.2). At least 4 correspondences are needed
// and neither point set may be collinear.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, utils.NewInputError("point sets have different lengths %d and %d", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, utils.NewInsufficientPointsError(len(src), 4)
	}
	srcNorm, t1 := normalizePoints(src)
	dstNorm, t2 := normalizePoints(dst)
	if t1 == nil || t2 == nil || collinear(srcNorm) || collinear(dstNorm) {
		return nil, utils.NewDegenerateGeometryError("points are collinear")
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcNorm {
		x, y := srcNorm[i].X, srcNorm[i].Y
		u, v := dstNorm[i].X, dstNorm[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	mats := performSVD(a)
	if mats == nil {
		return nil, utils.NewDegenerateGeometryError("homography system could not be factorized")
	}
	values := mats.Values
	if values[7] <= 1e-12*values[0] {
		return nil, utils.NewDegenerateGeometryError("homography system is rank deficient")
	}
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, mats.V.At(i, 8))
	}

	// denormalize: H = T2^-1 * Hn * T1
	var t2Inv, hm mat.Dense
	if err := t2Inv.Inverse(t2); err != nil {
		return nil, utils.NewDegenerateGeometryError("normalization is singular")
	}
	hm.Mul(&t2Inv, hn)
	hm.Mul(&hm, t1)
	scale := hm.At(2, 2)
	if math.Abs(scale) < 1e-15 {
		scale = mat.Norm(&hm, 2)
	}
	hm.Scale(1/scale, &hm)
	return NewHomographyFromDense(&hm)
}

// collinear reports whether normalized points lie on a line.
func collinear(pts []r2.Point) bool {
	var sxx, syy, sxy float64
	for _, p := range pts {
		sxx += p.X * p.X
		syy += p.Y * p.Y
		sxy += p.X * p.Y
	}
	tr := sxx + syy
	det := sxx*syy - sxy*sxy
	disc := math.Sqrt(math.Max(tr*tr/4-det, 0))
	largest := tr/2 + disc
	smallest := tr/2 - disc
	return largest == 0 || smallest/largest < collinearityThreshold
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 4.2: centroid at
// the origin and mean distance sqrt(2). The returned transform is nil for coincident points.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	if d == 0 {
		return nil, nil
	}
	scale := math.Sqrt(2) / d
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	Values []float64
}

// performSVD performs SVD on inputMatrix and returns U, V and the singular values in
// decreasing order. It returns nil if the factorization fails.
func performSVD(inputMatrix mat.Matrix) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil
	}
	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	return &matsSVD{U: u, V: v, Values: svd.Values(nil)}
}
