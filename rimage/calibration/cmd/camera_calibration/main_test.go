package main

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcalib/logging"
	camutils "go.viam.com/camcalib/utils"
)

func TestCameraCalibrationArguments(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	test.That(t, mainWithArgs(ctx, []string{"camera_calibration"}, logger), test.ShouldNotBeNil)

	err := mainWithArgs(ctx, []string{"camera_calibration", filepath.Join(t.TempDir(), "nope")}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)

	dir := t.TempDir()
	err = mainWithArgs(ctx, []string{"camera_calibration", "-spacing", "wide", dir}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)
	err = mainWithArgs(ctx, []string{"camera_calibration", dir, "three"}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)
	err = mainWithArgs(ctx, []string{"camera_calibration", "-rows", "-2", dir}, logger)
	test.That(t, errors.Is(err, camutils.ErrInput), test.ShouldBeTrue)
}

func TestCameraCalibrationNoUsableImages(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	blank := image.NewGray(image.Rect(0, 0, 64, 48))
	test.That(t, imaging.Save(blank, filepath.Join(dir, "0.png")), test.ShouldBeNil)

	err := mainWithArgs(context.Background(), []string{"camera_calibration", dir, "2"}, logger)
	test.That(t, errors.Is(err, camutils.ErrInsufficientData), test.ShouldBeTrue)
}

func TestParseArguments(t *testing.T) {
	n, pattern, err := parseArguments(Arguments{ImageDir: "x"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, defaultNumImages)
	test.That(t, pattern.Rows, test.ShouldEqual, 7)
	test.That(t, pattern.Cols, test.ShouldEqual, 10)
	test.That(t, pattern.Spacing, test.ShouldEqual, 24.0)

	n, pattern, err = parseArguments(Arguments{NumImages: "0", Rows: 5, Cols: 8, Spacing: "12.5"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, defaultNumImages)
	test.That(t, pattern.Rows, test.ShouldEqual, 5)
	test.That(t, pattern.Cols, test.ShouldEqual, 8)
	test.That(t, pattern.Spacing, test.ShouldEqual, 12.5)
}
