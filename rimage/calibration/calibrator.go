// Package calibration estimates camera intrinsics from several views of a planar target and
// the pose of a camera from a single view.
package calibration

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/leastsquares"
	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/spatialmath"
	"go.viam.com/camcalib/utils"
)

const (
	// MinViews is the number of views the closed-form initialization needs.
	MinViews = 2
	// MinPointsPerView is the number of correspondences each view must have.
	MinPointsPerView = 6

	poseParams = 6
)

// CalibrationOptions configure Calibrate.
type CalibrationOptions struct {
	// FixK3 holds the sixth-order radial term at zero.
	FixK3 bool `json:"fix_k3"`
	// Refinement bounds the joint nonlinear refinement.
	Refinement leastsquares.Settings `json:"refinement"`
}

// DefaultCalibrationOptions fits all five distortion terms with at most 30 refinement
// iterations.
func DefaultCalibrationOptions() CalibrationOptions {
	settings := leastsquares.DefaultSettings()
	settings.MaxIterations = 30
	return CalibrationOptions{Refinement: settings}
}

// Session is the outcome of a calibration: the model, one pose per view and the residuals.
type Session struct {
	Views     []calibrate.CorrespondenceSet
	ImageSize image.Point
	Model     *transform.PinholeCameraModel
	// Poses are index-aligned with Views.
	Poses      []*transform.Pose
	Reports    []*transform.ReprojectionReport
	RMS        float64
	PerViewRMS []float64
	// Iterations and Converged describe the nonlinear refinement.
	Iterations int
	Converged  bool
}

// Calibrate estimates the intrinsic model of a camera from at least two views of a planar
// (z=0) target. imageSize may be zero when unknown, in which case the principal point fallback
// uses the centroid of the image points.
func Calibrate(
	ctx context.Context,
	views []calibrate.CorrespondenceSet,
	imageSize image.Point,
	opts CalibrationOptions,
	logger logging.Logger,
) (*Session, error) {
	if len(views) < MinViews {
		return nil, utils.NewInsufficientDataError(len(views), MinViews)
	}
	homographies := make([]*transform.Homography, len(views))
	for i := range views {
		view := &views[i]
		if err := view.CheckValid(MinPointsPerView); err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		planar, ok := view.PlanarObjectPoints()
		if !ok {
			return nil, utils.NewInputError("view %d: calibration target must lie on the z=0 plane", i)
		}
		h, err := transform.EstimateHomography(planar, view.ImagePoints)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		homographies[i] = h
	}

	center := principalPointGuess(views, imageSize)
	intrinsics, err := closedFormIntrinsics(homographies, center, imageSize, logger)
	if err != nil {
		return nil, err
	}
	logger.Debugw("closed-form intrinsics", "fx", intrinsics.Fx, "fy", intrinsics.Fy, "ppx", intrinsics.Ppx, "ppy", intrinsics.Ppy)

	poses := make([]*transform.Pose, len(views))
	for i, h := range homographies {
		if poses[i], err = transform.PoseFromHomography(intrinsics, h); err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
	}

	problem := newCalibrationProblem(ctx, views, opts.FixK3)
	x0 := problem.pack(intrinsics, &transform.BrownConrady{}, poses)
	result, err := leastsquares.Minimize(ctx, problem, x0, opts.Refinement)
	if problem.err != nil {
		return nil, problem.err
	}
	converged := true
	if err != nil {
		if !errors.Is(err, utils.ErrNonConvergent) {
			return nil, err
		}
		logger.Warnw("calibration refinement hit its iteration cap", "error", err)
		converged = false
	}

	model, poses := problem.unpack(result.X)
	model.Width, model.Height = imageSize.X, imageSize.Y
	if err := model.CheckValid(); err != nil {
		return nil, utils.NewDegenerateGeometryError("refined model is invalid: %v", err)
	}
	session := &Session{
		Views:      views,
		ImageSize:  imageSize,
		Model:      model,
		Poses:      poses,
		Reports:    make([]*transform.ReprojectionReport, len(views)),
		PerViewRMS: make([]float64, len(views)),
		Iterations: result.Iterations,
		Converged:  converged,
	}
	for i := range views {
		report, err := transform.EvaluateReprojection(views[i].ObjectPoints, poses[i], model, views[i].ImagePoints)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		session.Reports[i] = report
		session.PerViewRMS[i] = report.RMS
	}
	session.RMS = transform.RMS(session.Reports...)
	logger.Infow("calibrated", "views", len(views), "rms", session.RMS, "iterations", result.Iterations)
	return session, nil
}

// principalPointGuess is the image center, or the centroid of all image points when the size
// is unknown.
func principalPointGuess(views []calibrate.CorrespondenceSet, imageSize image.Point) r2.Point {
	if imageSize.X > 0 && imageSize.Y > 0 {
		return r2.Point{X: float64(imageSize.X) / 2, Y: float64(imageSize.Y) / 2}
	}
	var sum r2.Point
	var n int
	for _, v := range views {
		for _, pt := range v.ImagePoints {
			sum = sum.Add(pt)
			n++
		}
	}
	return sum.Mul(1 / float64(n))
}

// closedFormIntrinsics solves Zhang's linear system for the zero-skew image of the absolute
// conic B = K^-T K^-1, b = [B11, B22, B13, B23, B33]. Homographies are first conditioned so
// pixel coordinates are centered on center and scaled to unit range. When the system has no
// physically valid solution the principal point is fixed at center and only the focal
// lengths are solved for.
func closedFormIntrinsics(
	homographies []*transform.Homography,
	center r2.Point,
	imageSize image.Point,
	logger logging.Logger,
) (*transform.PinholeCameraIntrinsics, error) {
	scale := math.Max(float64(imageSize.X), float64(imageSize.Y))
	if scale <= 0 {
		scale = math.Max(center.X, center.Y) * 2
	}
	if scale <= 0 {
		scale = 1
	}
	cond := mat.NewDense(3, 3, []float64{
		1 / scale, 0, -center.X / scale,
		0, 1 / scale, -center.Y / scale,
		0, 0, 1,
	})
	conditioned := make([]*mat.Dense, len(homographies))
	for i, h := range homographies {
		var hc mat.Dense
		hc.Mul(cond, h.Dense())
		hc.Scale(1/mat.Norm(&hc, 2), &hc)
		conditioned[i] = &hc
	}

	fx, fy, u0, v0, ok := solveFullConic(conditioned)
	if !ok {
		logger.Warn("closed-form principal point is ill-conditioned; assuming the image center")
		fx, fy, ok = solveCenteredConic(conditioned)
		u0, v0 = 0, 0
		if !ok {
			return nil, utils.NewDegenerateGeometryError("views do not constrain the focal length")
		}
	}
	intrinsics := &transform.PinholeCameraIntrinsics{
		Width:  imageSize.X,
		Height: imageSize.Y,
		Fx:     fx * scale,
		Fy:     fy * scale,
		Ppx:    u0*scale + center.X,
		Ppy:    v0*scale + center.Y,
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, utils.NewDegenerateGeometryError("closed-form intrinsics are invalid: %v", err)
	}
	return intrinsics, nil
}

// conicRow is h_i^T B h_j expressed as coefficients of [B11, B22, B13, B23, B33].
func conicRow(h *mat.Dense, i, j int) []float64 {
	a1, a2, a3 := h.At(0, i), h.At(1, i), h.At(2, i)
	b1, b2, b3 := h.At(0, j), h.At(1, j), h.At(2, j)
	return []float64{a1 * b1, a2 * b2, a1*b3 + a3*b1, a2*b3 + a3*b2, a3 * b3}
}

func conicSystem(homographies []*mat.Dense) *mat.Dense {
	v := mat.NewDense(2*len(homographies), 5, nil)
	for k, h := range homographies {
		v12 := conicRow(h, 0, 1)
		v11 := conicRow(h, 0, 0)
		v22 := conicRow(h, 1, 1)
		diff := make([]float64, 5)
		for c := range diff {
			diff[c] = v11[c] - v22[c]
		}
		v.SetRow(2*k, v12)
		v.SetRow(2*k+1, diff)
	}
	return v
}

// nullVector returns the right singular vector of the smallest singular value and whether the
// null space is one dimensional.
func nullVector(a *mat.Dense) ([]float64, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, false
	}
	_, n := a.Dims()
	var v mat.Dense
	svd.VTo(&v)
	values := svd.Values(nil)
	if len(values) < n-1 || values[0] == 0 || values[n-2] <= 1e-12*values[0] {
		return nil, false
	}
	return mat.Col(nil, n-1, &v), true
}

func solveFullConic(homographies []*mat.Dense) (fx, fy, u0, v0 float64, ok bool) {
	b, ok := nullVector(conicSystem(homographies))
	if !ok {
		return 0, 0, 0, 0, false
	}
	if b[0] < 0 {
		for i := range b {
			b[i] = -b[i]
		}
	}
	b11, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4]
	if b11 <= 0 || b22 <= 0 {
		return 0, 0, 0, 0, false
	}
	v0 = -b23 / b22
	lambda := b33 - (b13*b13-v0*b11*b23)/b11
	if lambda <= 0 {
		return 0, 0, 0, 0, false
	}
	fx = math.Sqrt(lambda / b11)
	fy = math.Sqrt(lambda / b22)
	u0 = -b13 * fx * fx / lambda
	return fx, fy, u0, v0, true
}

// solveCenteredConic assumes the principal point at the origin, so B13 = B23 = 0.
func solveCenteredConic(homographies []*mat.Dense) (fx, fy float64, ok bool) {
	full := conicSystem(homographies)
	rows, _ := full.Dims()
	reduced := mat.NewDense(rows, 3, nil)
	for r := 0; r < rows; r++ {
		reduced.Set(r, 0, full.At(r, 0))
		reduced.Set(r, 1, full.At(r, 1))
		reduced.Set(r, 2, full.At(r, 4))
	}
	b, ok := nullVector(reduced)
	if !ok {
		return 0, 0, false
	}
	if b[0] < 0 {
		b[0], b[1], b[2] = -b[0], -b[1], -b[2]
	}
	if b[0] <= 0 || b[1] <= 0 || b[2] <= 0 {
		return 0, 0, false
	}
	return math.Sqrt(b[2] / b[0]), math.Sqrt(b[2] / b[1]), true
}

// calibrationProblem is the joint reprojection error of all views. The parameter vector is
// [fx, fy, cx, cy, k1, k2, p1, p2, (k3)] followed by [rvec, tvec] for every view.
type calibrationProblem struct {
	ctx     context.Context
	views   []calibrate.CorrespondenceSet
	offsets []int
	rows    int
	fixK3   bool
	err     error
}

func newCalibrationProblem(ctx context.Context, views []calibrate.CorrespondenceSet, fixK3 bool) *calibrationProblem {
	p := &calibrationProblem{ctx: ctx, views: views, offsets: make([]int, len(views)), fixK3: fixK3}
	for i, v := range views {
		p.offsets[i] = p.rows
		p.rows += 2 * v.Len()
	}
	return p
}

func (p *calibrationProblem) intrinsicParams() int {
	if p.fixK3 {
		return 8
	}
	return 9
}

func (p *calibrationProblem) Dims() (int, int) {
	return p.rows, p.intrinsicParams() + poseParams*len(p.views)
}

func (p *calibrationProblem) pack(
	intrinsics *transform.PinholeCameraIntrinsics,
	distortion *transform.BrownConrady,
	poses []*transform.Pose,
) []float64 {
	x := []float64{intrinsics.Fx, intrinsics.Fy, intrinsics.Ppx, intrinsics.Ppy}
	x = append(x, distortion.Coefficients()[:p.intrinsicParams()-4]...)
	for _, pose := range poses {
		x = append(x,
			pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z,
			pose.Translation.X, pose.Translation.Y, pose.Translation.Z)
	}
	return x
}

func modelFromParams(intrinsic []float64) *transform.PinholeCameraModel {
	distortion := &transform.BrownConrady{
		RadialK1:     intrinsic[4],
		RadialK2:     intrinsic[5],
		TangentialP1: intrinsic[6],
		TangentialP2: intrinsic[7],
	}
	if len(intrinsic) > 8 {
		distortion.RadialK3 = intrinsic[8]
	}
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Fx: intrinsic[0], Fy: intrinsic[1], Ppx: intrinsic[2], Ppy: intrinsic[3],
		},
		Distortion: distortion,
	}
}

func poseFromParams(x []float64) *transform.Pose {
	return &transform.Pose{
		Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

func (p *calibrationProblem) unpack(x []float64) (*transform.PinholeCameraModel, []*transform.Pose) {
	ni := p.intrinsicParams()
	model := modelFromParams(x[:ni])
	poses := make([]*transform.Pose, len(p.views))
	for i := range p.views {
		poses[i] = poseFromParams(x[ni+poseParams*i : ni+poseParams*(i+1)])
	}
	return model, poses
}

// viewResiduals writes the x and y reprojection errors of one view into dst.
func viewResiduals(dst []float64, view *calibrate.CorrespondenceSet, intrinsic, pose []float64) {
	model := modelFromParams(intrinsic)
	rot := spatialmath.RotationVectorToMatrix(r3.Vector{X: pose[0], Y: pose[1], Z: pose[2]})
	t := r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}
	for i, obj := range view.ObjectPoints {
		pt := model.ProjectPoint(rot.Mul(obj).Add(t))
		dst[2*i] = pt.X - view.ImagePoints[i].X
		dst[2*i+1] = pt.Y - view.ImagePoints[i].Y
	}
}

func (p *calibrationProblem) Residuals(dst, x []float64) {
	ni := p.intrinsicParams()
	for i := range p.views {
		view := &p.views[i]
		viewResiduals(
			dst[p.offsets[i]:p.offsets[i]+2*view.Len()],
			view,
			x[:ni],
			x[ni+poseParams*i:ni+poseParams*(i+1)],
		)
	}
}

// Jacobian differentiates each view's block numerically. A view only depends on the shared
// intrinsics and its own pose, so blocks are independent and fill disjoint rows of dst.
func (p *calibrationProblem) Jacobian(dst *mat.Dense, x []float64) {
	ni := p.intrinsicParams()
	dst.Zero()
	err := utils.RunParallel(p.ctx, len(p.views), func(_ context.Context, i int) error {
		view := &p.views[i]
		poseCol := ni + poseParams*i
		local := make([]float64, ni+poseParams)
		copy(local, x[:ni])
		copy(local[ni:], x[poseCol:poseCol+poseParams])

		block := mat.NewDense(2*view.Len(), ni+poseParams, nil)
		fd.Jacobian(block, func(y, params []float64) {
			viewResiduals(y, view, params[:ni], params[ni:])
		}, local, &fd.JacobianSettings{Formula: fd.Central})

		for r := 0; r < 2*view.Len(); r++ {
			row := p.offsets[i] + r
			for c := 0; c < ni; c++ {
				dst.Set(row, c, block.At(r, c))
			}
			for c := 0; c < poseParams; c++ {
				dst.Set(row, poseCol+c, block.At(r, ni+c))
			}
		}
		return nil
	})
	if err != nil && p.err == nil {
		p.err = err
	}
}
