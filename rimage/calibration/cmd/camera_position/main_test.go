package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/paramstore"
	"go.viam.com/camcalib/rimage/transform"
	camutils "go.viam.com/camcalib/utils"
)

var testModel = &transform.PinholeCameraModel{
	PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: 400, Fy: 400, Ppx: 160, Ppy: 120},
	Distortion:              &transform.BrownConrady{RadialK1: -0.05},
}

type fixture struct {
	dir, image, params, objects string
	objectPoints                []r3.Vector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.image = filepath.Join(f.dir, "scene.png")
	f.params = filepath.Join(f.dir, "camera.json")
	f.objects = filepath.Join(f.dir, "objects.txt")
	test.That(t, imaging.Save(image.NewGray(image.Rect(0, 0, 320, 240)), f.image), test.ShouldBeNil)
	test.That(t, paramstore.Save(f.params, testModel, nil), test.ShouldBeNil)

	f.objectPoints = []r3.Vector{{}, {X: 100}, {X: 100, Y: 60}, {Y: 60}, {X: 50, Y: 30, Z: 40}, {X: 20, Y: 50, Z: -30}}
	var lines []string
	for _, p := range f.objectPoints {
		lines = append(lines, fmt.Sprintf("%g,%g,%g", p.X, p.Y, p.Z))
	}
	test.That(t, os.WriteFile(f.objects, []byte(strings.Join(lines, "\n")+"\n"), 0o600), test.ShouldBeNil)
	return f
}

func withStdin(t *testing.T, content string) {
	t.Helper()
	old := stdin
	stdin = strings.NewReader(content)
	t.Cleanup(func() { stdin = old })
}

func TestCameraPositionManual(t *testing.T) {
	logger := logging.NewTestLogger(t)
	f := newFixture(t)
	want := &transform.Pose{Rotation: r3.Vector{X: 0.1, Y: -0.15, Z: 0.05}, Translation: r3.Vector{X: -50, Y: -30, Z: 400}}
	var clicks strings.Builder
	for _, pt := range transform.ProjectPoints(f.objectPoints, want, testModel) {
		fmt.Fprintf(&clicks, "%.10f,%.10f\n", pt.X, pt.Y)
	}
	withStdin(t, clicks.String())

	out := filepath.Join(f.dir, "campos.yaml")
	annotated := filepath.Join(f.dir, "annotated.png")
	err := mainWithArgs(context.Background(), []string{
		"camera_position", "-mode", "manual", "-objects", f.objects, "-out", out, "-annotated", annotated, f.image, f.params,
	}, logger)
	test.That(t, err, test.ShouldBeNil)

	pose, err := paramstore.LoadPose(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Rotation.Sub(want.Rotation).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, pose.Translation.Sub(want.Translation).Norm(), test.ShouldBeLessThan, 1e-4)
	_, err = os.Stat(annotated)
	test.That(t, err, test.ShouldBeNil)
}

func TestCameraPositionManualCancelled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	f := newFixture(t)
	withStdin(t, "10,10\n20,20\n")
	err := mainWithArgs(context.Background(), []string{
		"camera_position", "-mode", "manual", "-objects", f.objects, "-out", filepath.Join(f.dir, "campos.json"), f.image, f.params,
	}, logger)
	test.That(t, errors.Is(err, camutils.ErrAcquisitionCancelled), test.ShouldBeTrue)
}

func TestCameraPositionArguments(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	f := newFixture(t)

	test.That(t, mainWithArgs(ctx, []string{"camera_position"}, logger), test.ShouldNotBeNil)
	test.That(t, mainWithArgs(ctx, []string{"camera_position", f.image}, logger), test.ShouldNotBeNil)

	err := mainWithArgs(ctx, []string{"camera_position", "-mode", "auto", f.image, f.params}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)

	err = mainWithArgs(ctx, []string{"camera_position", "-mode", "manual", f.image, f.params}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)

	err = mainWithArgs(ctx, []string{"camera_position", filepath.Join(f.dir, "missing.png"), f.params}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)

	err = mainWithArgs(ctx, []string{"camera_position", f.image, filepath.Join(f.dir, "missing.json")}, logger)
	test.That(t, errors.Is(err, camutils.ErrIO), test.ShouldBeTrue)

	// a blank image has no chessboard
	err = mainWithArgs(ctx, []string{"camera_position", f.image, f.params}, logger)
	test.That(t, errors.Is(err, camutils.ErrDetectionFailure), test.ShouldBeTrue)
}
