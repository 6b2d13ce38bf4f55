package calibration

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/leastsquares"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/spatialmath"
	"go.viam.com/camcalib/utils"
)

const (
	// MinPosePoints is the number of correspondences EstimatePose needs.
	MinPosePoints = 4
	// minDLTPoints is the number of correspondences the non-planar linear solve needs.
	minDLTPoints = 6
	// planarityThreshold is the ratio of the smallest to the largest spread of the object
	// points below which they are treated as coplanar.
	planarityThreshold = 1e-6
)

// PoseOptions configure EstimatePose.
type PoseOptions struct {
	Refinement leastsquares.Settings `json:"refinement"`
}

// DefaultPoseOptions refines with at most 50 iterations.
func DefaultPoseOptions() PoseOptions {
	return PoseOptions{Refinement: leastsquares.DefaultSettings()}
}

// PoseEstimate is a camera pose together with its residuals. Refined is false when the
// nonlinear refinement did not converge and Pose is the linear estimate.
type PoseEstimate struct {
	Pose    *transform.Pose
	Refined bool
	Report  *transform.ReprojectionReport
}

// EstimatePose solves for the pose of the camera relative to the object points of set,
// given a calibrated model. If refinement does not converge the unrefined estimate is
// returned together with an error wrapping utils.ErrNonConvergent.
func EstimatePose(
	ctx context.Context,
	model *transform.PinholeCameraModel,
	set *calibrate.CorrespondenceSet,
	opts PoseOptions,
) (*PoseEstimate, error) {
	if err := model.CheckValid(); err != nil {
		return nil, utils.NewInputError("%v", err)
	}
	if err := set.CheckValid(MinPosePoints); err != nil {
		return nil, err
	}
	normalized := make([]r2.Point, set.Len())
	for i, pt := range set.ImagePoints {
		normalized[i] = model.UndistortPixel(pt)
	}

	plane, err := fitPlane(set.ObjectPoints)
	if err != nil {
		return nil, err
	}
	var initial *transform.Pose
	if plane.planar || set.Len() < minDLTPoints {
		initial, err = planePose(plane, set.ObjectPoints, normalized)
	} else {
		initial, err = dltPose(set.ObjectPoints, normalized)
	}
	if err != nil {
		return nil, err
	}

	problem := &poseProblem{model: model, set: set}
	x0 := []float64{
		initial.Rotation.X, initial.Rotation.Y, initial.Rotation.Z,
		initial.Translation.X, initial.Translation.Y, initial.Translation.Z,
	}
	result, err := leastsquares.Minimize(ctx, problem, x0, opts.Refinement)
	if err != nil {
		if !errors.Is(err, utils.ErrNonConvergent) {
			return nil, err
		}
		report, evalErr := transform.EvaluateReprojection(set.ObjectPoints, initial, model, set.ImagePoints)
		if evalErr != nil {
			return nil, evalErr
		}
		return &PoseEstimate{Pose: initial, Refined: false, Report: report}, err
	}
	pose := poseFromParams(result.X)
	report, err := transform.EvaluateReprojection(set.ObjectPoints, pose, model, set.ImagePoints)
	if err != nil {
		return nil, err
	}
	return &PoseEstimate{Pose: pose, Refined: true, Report: report}, nil
}

// bestFitPlane is an orthonormal frame whose first two axes span the plane that best fits a
// point set, centered on its centroid.
type bestFitPlane struct {
	centroid r3.Vector
	// basis columns are the in-plane axes followed by the normal; det(basis) = +1.
	basis  *spatialmath.RotationMatrix
	planar bool
}

func fitPlane(pts []r3.Vector) (*bestFitPlane, error) {
	var centroid r3.Vector
	for _, p := range pts {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(pts)))
	centered := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := p.Sub(centroid)
		centered.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDFull); !ok {
		return nil, utils.NewDegenerateGeometryError("object points could not be factorized")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[1] <= planarityThreshold*values[0] {
		return nil, utils.NewDegenerateGeometryError("object points are collinear")
	}
	var v mat.Dense
	svd.VTo(&v)
	if mat.Det(&v) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
	}
	basis, err := spatialmath.NewRotationMatrixFromDense(&v)
	if err != nil {
		return nil, err
	}
	return &bestFitPlane{
		centroid: centroid,
		basis:    basis,
		planar:   values[2] <= planarityThreshold*values[0],
	}, nil
}

// planePose decomposes the homography from in-plane coordinates to normalized image
// coordinates. With R_p, t_p the pose of the plane frame, the object pose is
// R = R_p * B^T and t = t_p - R_p * B^T * c.
func planePose(plane *bestFitPlane, objectPoints []r3.Vector, normalized []r2.Point) (*transform.Pose, error) {
	basisT := plane.basis.Transpose()
	inPlane := make([]r2.Point, len(objectPoints))
	for i, p := range objectPoints {
		q := basisT.Mul(p.Sub(plane.centroid))
		inPlane[i] = r2.Point{X: q.X, Y: q.Y}
	}
	h, err := transform.EstimateHomography(inPlane, normalized)
	if err != nil {
		return nil, err
	}
	identity := &transform.PinholeCameraIntrinsics{Fx: 1, Fy: 1}
	planeFrame, err := transform.PoseFromHomography(identity, h)
	if err != nil {
		return nil, err
	}
	var rot mat.Dense
	rot.Mul(planeFrame.RotationMatrix().Dense(), basisT.Dense())
	r, err := spatialmath.NewRotationMatrixFromDense(&rot)
	if err != nil {
		return nil, err
	}
	return transform.NewPose(r, planeFrame.Translation.Sub(r.Mul(plane.centroid))), nil
}

// dltPose solves x ~ [R|t] X linearly for at least six non-coplanar points. Object points are
// centered and scaled first; the rotation block is projected onto SO(3).
func dltPose(objectPoints []r3.Vector, normalized []r2.Point) (*transform.Pose, error) {
	n := len(objectPoints)
	var centroid r3.Vector
	for _, p := range objectPoints {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(n))
	var spread float64
	for _, p := range objectPoints {
		spread += p.Sub(centroid).Norm() / float64(n)
	}
	scale := math.Sqrt(3) / spread

	a := mat.NewDense(2*n, 12, nil)
	for i, p := range objectPoints {
		q := p.Sub(centroid).Mul(scale)
		x, y := normalized[i].X, normalized[i].Y
		a.SetRow(2*i, []float64{q.X, q.Y, q.Z, 1, 0, 0, 0, 0, -x * q.X, -x * q.Y, -x * q.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q.X, q.Y, q.Z, 1, -y * q.X, -y * q.Y, -y * q.Z, -y})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, utils.NewDegenerateGeometryError("pose system could not be factorized")
	}
	values := svd.Values(nil)
	if values[10] <= 1e-12*values[0] {
		return nil, utils.NewDegenerateGeometryError("pose system is rank deficient")
	}
	var v mat.Dense
	svd.VTo(&v)
	p := mat.NewDense(3, 4, mat.Col(nil, 11, &v))

	block := p.Slice(0, 3, 0, 3)
	if mat.Det(block) < 0 {
		p.Scale(-1, p)
	}
	var blockSVD mat.SVD
	if ok := blockSVD.Factorize(p.Slice(0, 3, 0, 3), mat.SVDFull); !ok {
		return nil, utils.NewDegenerateGeometryError("rotation block could not be factorized")
	}
	sv := blockSVD.Values(nil)
	// p = mu * [R/scale | R*c + t]
	mu := (sv[0] + sv[1] + sv[2]) / 3 * scale
	if mu <= 0 {
		return nil, utils.NewDegenerateGeometryError("rotation block is singular")
	}
	rot, err := spatialmath.OrthonormalizeRotation(p.Slice(0, 3, 0, 3))
	if err != nil {
		return nil, utils.NewDegenerateGeometryError("%v", err)
	}
	p4 := r3.Vector{X: p.At(0, 3), Y: p.At(1, 3), Z: p.At(2, 3)}.Mul(1 / mu)
	return transform.NewPose(rot, p4.Sub(rot.Mul(centroid))), nil
}

// poseProblem is the reprojection error of one view over [rvec, tvec].
type poseProblem struct {
	model *transform.PinholeCameraModel
	set   *calibrate.CorrespondenceSet
}

func (p *poseProblem) Dims() (int, int) {
	return 2 * p.set.Len(), poseParams
}

func (p *poseProblem) Residuals(dst, x []float64) {
	pose := poseFromParams(x)
	rot := pose.RotationMatrix()
	for i, obj := range p.set.ObjectPoints {
		pt := p.model.ProjectPoint(rot.Mul(obj).Add(pose.Translation))
		dst[2*i] = pt.X - p.set.ImagePoints[i].X
		dst[2*i+1] = pt.Y - p.set.ImagePoints[i].Y
	}
}
