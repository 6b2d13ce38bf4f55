package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/paramstore"
	"go.viam.com/camcalib/rimage/transform"
	camutils "go.viam.com/camcalib/utils"
)

func TestCameraDirection(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	params := filepath.Join(dir, "camera.yaml")
	position := filepath.Join(dir, "campos.json")
	model := &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{Fx: 800, Fy: 790, Ppx: 320, Ppy: 240},
	}
	pose := &transform.Pose{Rotation: r3.Vector{X: 0.2, Y: -0.1, Z: 0.3}, Translation: r3.Vector{X: 10, Y: -20, Z: 500}}
	test.That(t, paramstore.Save(params, model, nil), test.ShouldBeNil)
	test.That(t, paramstore.Save(position, nil, pose), test.ShouldBeNil)

	test.That(t, mainWithArgs(context.Background(), []string{"camera_direction", params, position}, logger), test.ShouldBeNil)

	// the files in the wrong order
	err := mainWithArgs(context.Background(), []string{"camera_direction", position, params}, logger)
	test.That(t, errors.Is(err, camutils.ErrParse), test.ShouldBeTrue)
}

func TestCameraDirectionArguments(t *testing.T) {
	logger := logging.NewTestLogger(t)
	test.That(t, mainWithArgs(context.Background(), []string{"camera_direction"}, logger), test.ShouldNotBeNil)
	test.That(t, mainWithArgs(context.Background(), []string{"camera_direction", "only_one.json"}, logger), test.ShouldNotBeNil)

	missing := filepath.Join(t.TempDir(), "missing.json")
	err := mainWithArgs(context.Background(), []string{"camera_direction", missing, missing}, logger)
	test.That(t, errors.Is(err, camutils.ErrIO), test.ShouldBeTrue)
}
