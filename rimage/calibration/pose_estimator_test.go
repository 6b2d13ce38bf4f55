package calibration

import (
	"context"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/utils"
)

func TestEstimatePosePlanar(t *testing.T) {
	objectPoints := calibrate.DefaultPatternGeometry().ObjectPoints()
	want := boardPose(r3.Vector{X: 0.3, Y: -0.25, Z: 0.4}, 700)
	view := syntheticView(trueModel, objectPoints, want)

	estimate, err := EstimatePose(context.Background(), trueModel, &view, DefaultPoseOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, estimate.Refined, test.ShouldBeTrue)
	expectPose(t, estimate.Pose, want, 1e-6)
	test.That(t, estimate.Report.RMS, test.ShouldBeLessThan, 1e-6)
	test.That(t, estimate.Report.Residuals, test.ShouldHaveLength, len(objectPoints))
}

func TestEstimatePoseFourPoints(t *testing.T) {
	objectPoints := []r3.Vector{{}, {X: 100}, {X: 100, Y: 80}, {Y: 80}}
	want := &transform.Pose{Rotation: r3.Vector{X: -0.2, Y: 0.1}, Translation: r3.Vector{X: -40, Y: -30, Z: 500}}
	view := syntheticView(trueModel, objectPoints, want)

	estimate, err := EstimatePose(context.Background(), trueModel, &view, DefaultPoseOptions())
	test.That(t, err, test.ShouldBeNil)
	expectPose(t, estimate.Pose, want, 1e-6)
}

func TestEstimatePoseNonPlanar(t *testing.T) {
	objectPoints := []r3.Vector{
		{}, {X: 100}, {Y: 100}, {Z: 100},
		{X: 100, Y: 100}, {X: 100, Z: 100}, {Y: 100, Z: 100}, {X: 100, Y: 100, Z: 100},
		{X: 50, Y: 20, Z: 70},
	}
	want := &transform.Pose{Rotation: r3.Vector{X: 0.4, Y: 0.3, Z: -0.2}, Translation: r3.Vector{X: -50, Y: -40, Z: 600}}
	view := syntheticView(trueModel, objectPoints, want)

	plane, err := fitPlane(objectPoints)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, plane.planar, test.ShouldBeFalse)

	normalized := make([]r2.Point, len(view.ImagePoints))
	for i, pt := range view.ImagePoints {
		normalized[i] = trueModel.UndistortPixel(pt)
	}
	linear, err := dltPose(objectPoints, normalized)
	test.That(t, err, test.ShouldBeNil)
	expectPose(t, linear, want, 1e-6)

	estimate, err := EstimatePose(context.Background(), trueModel, &view, DefaultPoseOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, estimate.Refined, test.ShouldBeTrue)
	expectPose(t, estimate.Pose, want, 1e-6)
}

func TestEstimatePoseNonConvergent(t *testing.T) {
	objectPoints := calibrate.DefaultPatternGeometry().ObjectPoints()
	want := boardPose(r3.Vector{X: -0.2, Y: 0.3}, 650)
	view := syntheticView(trueModel, objectPoints, want)
	for i := range view.ImagePoints {
		// deterministic noise of up to half a pixel
		view.ImagePoints[i].X += 0.5 * float64(i%3-1)
		view.ImagePoints[i].Y += 0.5 * float64((i/3)%3-1)
	}
	opts := DefaultPoseOptions()
	opts.Refinement.MaxIterations = 1

	estimate, err := EstimatePose(context.Background(), trueModel, &view, opts)
	test.That(t, errors.Is(err, utils.ErrNonConvergent), test.ShouldBeTrue)
	test.That(t, estimate, test.ShouldNotBeNil)
	test.That(t, estimate.Refined, test.ShouldBeFalse)
	expectPose(t, estimate.Pose, want, 0.05)
	test.That(t, estimate.Report.RMS, test.ShouldBeGreaterThan, 0)

	refined, err := EstimatePose(context.Background(), trueModel, &view, DefaultPoseOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refined.Refined, test.ShouldBeTrue)
	test.That(t, refined.Report.RMS, test.ShouldBeLessThanOrEqualTo, estimate.Report.RMS)
}

func TestEstimatePoseErrors(t *testing.T) {
	ctx := context.Background()
	objectPoints := []r3.Vector{{}, {X: 100}, {X: 100, Y: 80}}
	view := syntheticView(trueModel, objectPoints, boardPose(r3.Vector{}, 500))
	_, err := EstimatePose(ctx, trueModel, &view, DefaultPoseOptions())
	test.That(t, errors.Is(err, utils.ErrInsufficientPoints), test.ShouldBeTrue)

	line := []r3.Vector{{}, {X: 10}, {X: 20}, {X: 30}, {X: 40}}
	view = syntheticView(trueModel, line, boardPose(r3.Vector{X: 0.1}, 500))
	_, err = EstimatePose(ctx, trueModel, &view, DefaultPoseOptions())
	test.That(t, errors.Is(err, utils.ErrDegenerateGeometry), test.ShouldBeTrue)

	_, err = EstimatePose(ctx, &transform.PinholeCameraModel{}, &view, DefaultPoseOptions())
	test.That(t, errors.Is(err, utils.ErrInput), test.ShouldBeTrue)

	mismatched := calibrate.CorrespondenceSet{ObjectPoints: line, ImagePoints: view.ImagePoints[:4]}
	_, err = EstimatePose(ctx, trueModel, &mismatched, DefaultPoseOptions())
	test.That(t, errors.Is(err, utils.ErrInput), test.ShouldBeTrue)
}
