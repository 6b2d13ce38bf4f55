package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/spatialmath"
	"go.viam.com/camcalib/utils"
)

// ComposeProjectionMatrix returns the 3x4 projection matrix P = K * [R|t].
func ComposeProjectionMatrix(intrinsics *PinholeCameraIntrinsics, pose *Pose) *mat.Dense {
	extrinsic := mat.NewDense(3, 4, nil)
	extrinsic.Slice(0, 3, 0, 3).(*mat.Dense).Copy(pose.RotationMatrix().Dense())
	extrinsic.Set(0, 3, pose.Translation.X)
	extrinsic.Set(1, 3, pose.Translation.Y)
	extrinsic.Set(2, 3, pose.Translation.Z)
	var p mat.Dense
	p.Mul(intrinsics.GetCameraMatrix(), extrinsic)
	return &p
}

// ProjectionDecomposition is a projection matrix factored into intrinsics and a pose.
type ProjectionDecomposition struct {
	// K is upper triangular with a positive diagonal and K[2][2] = 1.
	K            *mat.Dense
	Rotation     *spatialmath.RotationMatrix
	Translation  r3.Vector
	CameraCenter r3.Vector
	// Angles of Rotation, see spatialmath.EulerAngles for the convention and the gimbal lock policy.
	Angles *spatialmath.EulerAngles
}

// DecomposeProjectionMatrix splits a 3x4 projection matrix into K, R and t by RQ decomposition of
// its leading 3x3 block.
func DecomposeProjectionMatrix(p mat.Matrix) (*ProjectionDecomposition, error) {
	if r, c := p.Dims(); r != 3 || c != 4 {
		return nil, utils.NewInputError("projection matrix must be 3x4, got %dx%d", r, c)
	}
	m := mat.DenseCopyOf(p).Slice(0, 3, 0, 3).(*mat.Dense)
	m = mat.DenseCopyOf(m)
	p4 := mat.NewVecDense(3, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})

	det := mat.Det(m)
	scale := mat.Norm(m, 2)
	if scale == 0 || math.Abs(det) < 1e-12*scale*scale*scale {
		return nil, utils.NewDegenerateGeometryError("leading 3x3 block of the projection matrix is singular")
	}
	// P and -P are the same camera; pick the sign giving a proper rotation.
	if det < 0 {
		m.Scale(-1, m)
		p4.ScaleVec(-1, p4)
	}

	k, rot := rqDecompose(m)
	t := mat.NewVecDense(3, nil)
	if err := t.SolveVec(k, p4); err != nil {
		return nil, utils.NewDegenerateGeometryError("intrinsic block is singular: %v", err)
	}
	k.Scale(1/k.At(2, 2), k)

	rm, err := spatialmath.NewRotationMatrixFromDense(rot)
	if err != nil {
		return nil, err
	}
	pose := &Pose{Rotation: rm.RotationVector(), Translation: r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}}
	return &ProjectionDecomposition{
		K:            k,
		Rotation:     rm,
		Translation:  pose.Translation,
		CameraCenter: rm.Transpose().Mul(pose.Translation).Mul(-1),
		Angles:       rm.EulerAngles(),
	}, nil
}

// rqDecompose factors m = K*R with K upper triangular with positive diagonal and R orthogonal.
// It runs QR on the transpose of the row-reversed matrix.
func rqDecompose(m *mat.Dense) (*mat.Dense, *mat.Dense) {
	reverse := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})
	var flipped mat.Dense
	flipped.Mul(reverse, m)

	var qr mat.QR
	qr.Factorize(flipped.T())
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	// m = (P R^T P) (P Q^T)
	var k, rot, tmp mat.Dense
	tmp.Mul(reverse, r.T())
	k.Mul(&tmp, reverse)
	rot.Mul(reverse, q.T())

	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			for row := 0; row < 3; row++ {
				k.Set(row, i, -k.At(row, i))
			}
			for col := 0; col < 3; col++ {
				rot.Set(i, col, -rot.At(i, col))
			}
		}
	}
	return &k, &rot
}
