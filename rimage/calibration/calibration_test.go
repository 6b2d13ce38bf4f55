package calibration

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/spatialmath"
	"go.viam.com/camcalib/utils"
)

var (
	trueIntrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 800, Fy: 780, Ppx: 322, Ppy: 238}
	trueDistortion = &transform.BrownConrady{RadialK1: -0.08, RadialK2: 0.04, TangentialP1: 0.001, TangentialP2: -0.0005}
	trueModel      = &transform.PinholeCameraModel{PinholeCameraIntrinsics: trueIntrinsics, Distortion: trueDistortion}
)

// boardPose places the center of the default board at depth on the optical axis after
// rotating it by rvec.
func boardPose(rvec r3.Vector, depth float64) *transform.Pose {
	pattern := calibrate.DefaultPatternGeometry()
	center := r3.Vector{
		X: float64(pattern.Cols-1) * pattern.Spacing / 2,
		Y: float64(pattern.Rows-1) * pattern.Spacing / 2,
	}
	rot := spatialmath.RotationVectorToMatrix(rvec)
	return &transform.Pose{Rotation: rvec, Translation: r3.Vector{Z: depth}.Sub(rot.Mul(center))}
}

func syntheticView(model *transform.PinholeCameraModel, objectPoints []r3.Vector, pose *transform.Pose) calibrate.CorrespondenceSet {
	return calibrate.CorrespondenceSet{
		ObjectPoints: objectPoints,
		ImagePoints:  transform.ProjectPoints(objectPoints, pose, model),
	}
}

var viewRotations = []r3.Vector{
	{X: 0.35, Y: -0.2, Z: 0.05},
	{X: -0.25, Y: 0.35, Z: -0.1},
	{X: 0.1, Y: 0.4, Z: 0.2},
	{X: -0.3, Y: -0.3, Z: 0.0},
}

func syntheticViews(model *transform.PinholeCameraModel) ([]calibrate.CorrespondenceSet, []*transform.Pose) {
	objectPoints := calibrate.DefaultPatternGeometry().ObjectPoints()
	views := make([]calibrate.CorrespondenceSet, len(viewRotations))
	poses := make([]*transform.Pose, len(viewRotations))
	for i, rvec := range viewRotations {
		poses[i] = boardPose(rvec, 550+40*float64(i))
		views[i] = syntheticView(model, objectPoints, poses[i])
	}
	return views, poses
}

func expectPose(t *testing.T, got, want *transform.Pose, tol float64) {
	t.Helper()
	test.That(t, got.Rotation.Sub(want.Rotation).Norm(), test.ShouldBeLessThan, tol*want.Rotation.Norm())
	test.That(t, got.Translation.Sub(want.Translation).Norm(), test.ShouldBeLessThan, tol*want.Translation.Norm())
}

func TestCalibrateRecoversIntrinsics(t *testing.T) {
	logger := logging.NewTestLogger(t)
	views, poses := syntheticViews(trueModel)
	session, err := Calibrate(context.Background(), views, image.Point{X: 640, Y: 480}, DefaultCalibrationOptions(), logger)
	test.That(t, err, test.ShouldBeNil)

	got := session.Model
	test.That(t, utils.RelativeError(got.Fx, trueIntrinsics.Fx), test.ShouldBeLessThan, 0.01)
	test.That(t, utils.RelativeError(got.Fy, trueIntrinsics.Fy), test.ShouldBeLessThan, 0.01)
	test.That(t, utils.RelativeError(got.Ppx, trueIntrinsics.Ppx), test.ShouldBeLessThan, 0.01)
	test.That(t, utils.RelativeError(got.Ppy, trueIntrinsics.Ppy), test.ShouldBeLessThan, 0.01)
	test.That(t, got.Width, test.ShouldEqual, 640)
	test.That(t, got.Height, test.ShouldEqual, 480)
	test.That(t, got.Distortion.RadialK1, test.ShouldAlmostEqual, trueDistortion.RadialK1, 0.01)

	test.That(t, session.Poses, test.ShouldHaveLength, len(views))
	for i, pose := range session.Poses {
		expectPose(t, pose, poses[i], 0.01)
	}
	test.That(t, session.PerViewRMS, test.ShouldHaveLength, len(views))
	test.That(t, session.RMS, test.ShouldBeLessThan, 0.01)
	for _, rms := range session.PerViewRMS {
		test.That(t, rms, test.ShouldBeLessThan, 0.01)
	}
}

func TestCalibratedModelLocatesEachBoard(t *testing.T) {
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: trueIntrinsics, Distortion: &transform.BrownConrady{}}
	views, poses := syntheticViews(model)
	views, poses = views[:3], poses[:3]

	session, err := Calibrate(context.Background(), views, image.Point{X: 640, Y: 480}, DefaultCalibrationOptions(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, utils.RelativeError(session.Model.Fx, trueIntrinsics.Fx), test.ShouldBeLessThan, 0.01)
	test.That(t, utils.RelativeError(session.Model.Fy, trueIntrinsics.Fy), test.ShouldBeLessThan, 0.01)

	for i := range views {
		estimate, err := EstimatePose(context.Background(), session.Model, &views[i], DefaultPoseOptions())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, estimate.Refined, test.ShouldBeTrue)
		expectPose(t, estimate.Pose, poses[i], 0.01)
		test.That(t, estimate.Report.RMS, test.ShouldBeLessThan, 0.01)
	}
}

func TestCalibrateFixedK3(t *testing.T) {
	views, _ := syntheticViews(trueModel)
	opts := DefaultCalibrationOptions()
	opts.FixK3 = true
	session, err := Calibrate(context.Background(), views[:3], image.Point{}, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Model.Distortion.RadialK3, test.ShouldEqual, 0)
	test.That(t, utils.RelativeError(session.Model.Fx, trueIntrinsics.Fx), test.ShouldBeLessThan, 0.01)
	test.That(t, session.RMS, test.ShouldBeLessThan, 0.01)
}

func TestCalibrateIterationCap(t *testing.T) {
	views, _ := syntheticViews(trueModel)
	opts := DefaultCalibrationOptions()
	opts.Refinement.MaxIterations = 1
	logger, logs := logging.NewObservedTestLogger(t)
	session, err := Calibrate(context.Background(), views, image.Point{X: 640, Y: 480}, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Converged, test.ShouldBeFalse)
	test.That(t, session.Iterations, test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("calibration refinement hit its iteration cap").Len(), test.ShouldEqual, 1)
}

func TestCalibrateErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	views, _ := syntheticViews(trueModel)

	_, err := Calibrate(ctx, views[:1], image.Point{}, DefaultCalibrationOptions(), logger)
	test.That(t, errors.Is(err, utils.ErrInsufficientData), test.ShouldBeTrue)

	short := calibrate.CorrespondenceSet{ObjectPoints: views[1].ObjectPoints[:5], ImagePoints: views[1].ImagePoints[:5]}
	_, err = Calibrate(ctx, []calibrate.CorrespondenceSet{views[0], short}, image.Point{}, DefaultCalibrationOptions(), logger)
	test.That(t, errors.Is(err, utils.ErrInsufficientPoints), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "view 1")

	line := make([]r3.Vector, 8)
	for i := range line {
		line[i] = r3.Vector{X: 24 * float64(i)}
	}
	collinear := syntheticView(trueModel, line, boardPose(viewRotations[0], 600))
	_, err = Calibrate(ctx, []calibrate.CorrespondenceSet{collinear, collinear}, image.Point{}, DefaultCalibrationOptions(), logger)
	test.That(t, errors.Is(err, utils.ErrDegenerateGeometry), test.ShouldBeTrue)

	lifted := calibrate.CorrespondenceSet{
		ObjectPoints: append([]r3.Vector{{X: 1, Y: 1, Z: 5}}, views[0].ObjectPoints[1:]...),
		ImagePoints:  views[0].ImagePoints,
	}
	_, err = Calibrate(ctx, []calibrate.CorrespondenceSet{lifted, views[1]}, image.Point{}, DefaultCalibrationOptions(), logger)
	test.That(t, errors.Is(err, utils.ErrInput), test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Calibrate(cancelled, views, image.Point{}, DefaultCalibrationOptions(), logger)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func homographiesOf(t *testing.T, views []calibrate.CorrespondenceSet) []*transform.Homography {
	t.Helper()
	out := make([]*transform.Homography, len(views))
	for i, v := range views {
		planar, ok := v.PlanarObjectPoints()
		test.That(t, ok, test.ShouldBeTrue)
		h, err := transform.EstimateHomography(planar, v.ImagePoints)
		test.That(t, err, test.ShouldBeNil)
		out[i] = h
	}
	return out
}

func TestClosedFormIntrinsics(t *testing.T) {
	pinhole := &transform.PinholeCameraModel{PinholeCameraIntrinsics: trueIntrinsics}
	views, _ := syntheticViews(pinhole)
	size := image.Point{X: 640, Y: 480}
	got, err := closedFormIntrinsics(homographiesOf(t, views[:3]), r2.Point{X: 320, Y: 240}, size, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Fx, test.ShouldAlmostEqual, trueIntrinsics.Fx, 1e-4)
	test.That(t, got.Fy, test.ShouldAlmostEqual, trueIntrinsics.Fy, 1e-4)
	test.That(t, got.Ppx, test.ShouldAlmostEqual, trueIntrinsics.Ppx, 1e-4)
	test.That(t, got.Ppy, test.ShouldAlmostEqual, trueIntrinsics.Ppy, 1e-4)
}

func TestClosedFormFallsBackToImageCenter(t *testing.T) {
	// a single view cannot fix the principal point but does fix both focal lengths once the
	// principal point is assumed
	centered := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 700, Fy: 720, Ppx: 320, Ppy: 240}
	views, _ := syntheticViews(&transform.PinholeCameraModel{PinholeCameraIntrinsics: centered})
	logger, logs := logging.NewObservedTestLogger(t)
	got, err := closedFormIntrinsics(homographiesOf(t, views[:1]), r2.Point{X: 320, Y: 240}, image.Point{X: 640, Y: 480}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Fx, test.ShouldAlmostEqual, 700, 1e-4)
	test.That(t, got.Fy, test.ShouldAlmostEqual, 720, 1e-4)
	test.That(t, got.Ppx, test.ShouldEqual, 320)
	test.That(t, got.Ppy, test.ShouldEqual, 240)
	test.That(t, logs.FilterMessageSnippet("image center").Len(), test.ShouldEqual, 1)
}

func TestJacobianIndependentOfParallelism(t *testing.T) {
	views, poses := syntheticViews(trueModel)
	problem := newCalibrationProblem(context.Background(), views, false)
	x := problem.pack(trueIntrinsics, trueDistortion, poses)
	m, n := problem.Dims()

	jacobian := func() []float64 {
		dst := mat.NewDense(m, n, nil)
		problem.Jacobian(dst, x)
		return dst.RawMatrix().Data
	}
	parallel := jacobian()
	old := utils.ParallelFactor
	utils.ParallelFactor = 1
	defer func() { utils.ParallelFactor = old }()
	serial := jacobian()
	test.That(t, parallel, test.ShouldResemble, serial)

	// pose columns of other views are untouched
	ni := problem.intrinsicParams()
	test.That(t, serial[0*n+ni+poseParams], test.ShouldEqual, 0)
	test.That(t, math.Abs(serial[0*n+0]), test.ShouldBeGreaterThan, 0)
}

func TestWriteResidualPlot(t *testing.T) {
	views, _ := syntheticViews(trueModel)
	session, err := Calibrate(context.Background(), views[:3], image.Point{X: 640, Y: 480}, DefaultCalibrationOptions(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "residuals.png")
	test.That(t, WriteResidualPlot(session, path), test.ShouldBeNil)
	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	err = WriteResidualPlot(session, filepath.Join(t.TempDir(), "missing", "residuals.png"))
	test.That(t, errors.Is(err, utils.ErrIO), test.ShouldBeTrue)
}
