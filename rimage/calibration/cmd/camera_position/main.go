// Package main estimates the pose of a calibrated camera from one image of a known target.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.viam.com/utils"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/calibration"
	"go.viam.com/camcalib/rimage/paramstore"
	"go.viam.com/camcalib/rimage/transform"
	camutils "go.viam.com/camcalib/utils"
)

const defaultOutput = "campos.json"

var (
	logger = logging.NewLogger("camera_position")
	// stdin is where manual mode reads clicks from.
	stdin io.Reader = os.Stdin
)

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Image     string `flag:"0,required,usage=image of the target"`
	Params    string `flag:"1,required,usage=camera parameter file"`
	Mode      string `flag:"mode,usage=chess or manual (default chess)"`
	Objects   string `flag:"objects,usage=object point file, one x,y,z per line (required for manual mode)"`
	Rows      int    `flag:"rows,usage=inner corner rows of the chessboard (default 7)"`
	Cols      int    `flag:"cols,usage=inner corner columns of the chessboard (default 10)"`
	Spacing   string `flag:"spacing,usage=square size in object units (default 24)"`
	Out       string `flag:"out,usage=pose file to write (default campos.json)"`
	Annotated string `flag:"annotated,usage=write the image with the used points marked to this PNG"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	kind := calibrate.MethodChessboard
	if argsParsed.Mode != "" {
		var err error
		if kind, err = calibrate.ParseMethodKind(argsParsed.Mode); err != nil {
			return err
		}
	}
	if argsParsed.Out == "" {
		argsParsed.Out = defaultOutput
	}

	model, err := paramstore.LoadModel(argsParsed.Params)
	if err != nil {
		return err
	}
	img, err := rimage.LoadImage(argsParsed.Image)
	if err != nil {
		return err
	}
	canvas := rimage.NewMarkerCanvas(img, argsParsed.Annotated)

	var objectPoints []r3.Vector
	var method calibrate.Method
	switch kind {
	case calibrate.MethodManual:
		if argsParsed.Objects == "" {
			return camutils.NewInputError("manual mode needs -objects")
		}
		if objectPoints, err = calibrate.ReadObjectPointsFile(argsParsed.Objects); err != nil {
			return err
		}
		logger.Infof("click the %d object points in order, one x,y per line", len(objectPoints))
		clicks := calibrate.NewLineClickSource(stdin, logger)
		defer clicks.Close()
		method = calibrate.ManualMethod(len(objectPoints), clicks, canvas)
	default:
		pattern, err := patternFromArguments(argsParsed)
		if err != nil {
			return err
		}
		objectPoints = pattern.ObjectPoints()
		method = calibrate.ChessboardMethod(pattern, calibrate.NewSaddleDetector(calibrate.DefaultSaddleConf, logger.Sublogger("saddles")))
	}

	imagePoints, err := calibrate.Acquire(ctx, method, img)
	if err != nil {
		return err
	}
	if kind == calibrate.MethodChessboard {
		if err := annotate(canvas, imagePoints); err != nil {
			return err
		}
	}
	set, err := calibrate.NewCorrespondenceSet(objectPoints, imagePoints)
	if err != nil {
		return err
	}

	estimate, err := calibration.EstimatePose(ctx, model, set, calibration.DefaultPoseOptions())
	if err != nil && !errors.Is(err, camutils.ErrNonConvergent) {
		return err
	}
	printEstimate(os.Stdout, estimate)
	if err != nil {
		// the unrefined pose has been printed but is not saved
		return err
	}
	if err := paramstore.Save(argsParsed.Out, nil, estimate.Pose); err != nil {
		return err
	}
	logger.Infof("wrote the camera position to %s", argsParsed.Out)
	return nil
}

func patternFromArguments(argsParsed Arguments) (calibrate.PatternGeometry, error) {
	pattern := calibrate.DefaultPatternGeometry()
	if argsParsed.Rows != 0 {
		pattern.Rows = argsParsed.Rows
	}
	if argsParsed.Cols != 0 {
		pattern.Cols = argsParsed.Cols
	}
	if argsParsed.Spacing != "" {
		spacing, err := cast.ToFloat64E(argsParsed.Spacing)
		if err != nil {
			return calibrate.PatternGeometry{}, camutils.NewInputError("bad spacing %q", argsParsed.Spacing)
		}
		pattern.Spacing = spacing
	}
	return pattern, pattern.CheckValid()
}

func annotate(canvas *rimage.MarkerCanvas, pts []r2.Point) error {
	for _, pt := range pts {
		canvas.DrawMarker(pt)
	}
	return canvas.Show()
}

func printEstimate(w io.Writer, estimate *calibration.PoseEstimate) {
	pose := estimate.Pose
	if !estimate.Refined {
		warn := color.New(color.FgYellow)
		//nolint:errcheck
		warn.Fprintln(w, "refinement did not converge; linear estimate:")
	}
	fmt.Fprintf(w, "rvec: %v\ntvec: %v\n", pose.Rotation, pose.Translation)
	report := estimate.Report
	fmt.Fprintf(w, "reprojection rms: %.4f px (median %.4f, max %.4f)\n", report.RMS, report.Median, report.Max)
	printCameraCenter(w, pose)
}

func printCameraCenter(w io.Writer, pose *transform.Pose) {
	c := pose.CameraCenter()
	fmt.Fprintf(w, "camera center: (%.3f, %.3f, %.3f)\n", c.X, c.Y, c.Z)
}
