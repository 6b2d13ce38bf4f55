// Package main calibrates a camera from numbered chessboard images <dir>/0.png, <dir>/1.png, ...
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/rimage/calibration"
	"go.viam.com/camcalib/rimage/paramstore"
	camutils "go.viam.com/camcalib/utils"
)

const (
	defaultNumImages = 3
	defaultOutput    = "camera.json"
)

var logger = logging.NewLogger("camera_calibration")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ImageDir  string `flag:"0,required,usage=directory holding 0.png, 1.png, ..."`
	NumImages string `flag:"1,usage=number of images (default 3)"`
	Rows      int    `flag:"rows,usage=inner corner rows of the chessboard (default 7)"`
	Cols      int    `flag:"cols,usage=inner corner columns of the chessboard (default 10)"`
	Spacing   string `flag:"spacing,usage=square size in object units (default 24)"`
	Out       string `flag:"out,usage=parameter file to write (default camera.json)"`
	FixK3     bool   `flag:"fix-k3,usage=hold the sixth-order radial distortion term at zero"`
	Plot      string `flag:"plot,usage=write a scatter plot of the reprojection residuals to this file"`
	Debug     bool   `flag:"debug"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	numImages, pattern, err := parseArguments(argsParsed)
	if err != nil {
		return err
	}
	if argsParsed.Out == "" {
		argsParsed.Out = defaultOutput
	}
	if info, err := os.Stat(argsParsed.ImageDir); err != nil || !info.IsDir() {
		return camutils.NewInputError("%q is not a directory", argsParsed.ImageDir)
	}

	paths := lo.Times(numImages, func(i int) string {
		return filepath.Join(argsParsed.ImageDir, strconv.Itoa(i)+".png")
	})
	detector := calibrate.NewSaddleDetector(calibrate.DefaultSaddleConf, logger.Sublogger("saddles"))
	views, size, err := calibration.CollectViews(
		ctx, paths, pattern.ObjectPoints(), calibrate.ChessboardMethod(pattern, detector), logger)
	if err != nil {
		return err
	}

	opts := calibration.DefaultCalibrationOptions()
	opts.FixK3 = argsParsed.FixK3
	session, err := calibration.Calibrate(ctx, views, size, opts, logger.Sublogger("calibrate"))
	if err != nil {
		return err
	}
	printSession(os.Stdout, session)
	if argsParsed.Plot != "" {
		if err := calibration.WriteResidualPlot(session, argsParsed.Plot); err != nil {
			return err
		}
	}

	if err := paramstore.Save(argsParsed.Out, session.Model, session.Poses[0]); err != nil {
		return err
	}
	logger.Infof("wrote the camera parameters to %s", argsParsed.Out)
	return nil
}

func parseArguments(argsParsed Arguments) (int, calibrate.PatternGeometry, error) {
	numImages := defaultNumImages
	if argsParsed.NumImages != "" {
		n, err := cast.ToIntE(argsParsed.NumImages)
		if err != nil {
			return 0, calibrate.PatternGeometry{}, camutils.NewInputError("bad image count %q", argsParsed.NumImages)
		}
		if n > 0 {
			numImages = n
		}
	}
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
			return 0, calibrate.PatternGeometry{}, camutils.NewInputError("bad spacing %q", argsParsed.Spacing)
		}
		pattern.Spacing = spacing
	}
	if err := pattern.CheckValid(); err != nil {
		return 0, calibrate.PatternGeometry{}, err
	}
	return numImages, pattern, nil
}

func printSession(w io.Writer, session *calibration.Session) {
	model := session.Model
	fmt.Fprintf(w, "intrinsic:\n%v\n", mat.Formatted(model.GetCameraMatrix(), mat.Squeeze()))
	fmt.Fprintf(w, "distortion:\n%v\n\n", model.Distortion.Coefficients())
	fmt.Fprintf(w, "view 0:\nrvec: %v\ntvec: %v\n\n", session.Poses[0].Rotation, session.Poses[0].Translation)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"View", "Points", "RMS (px)", "Median (px)", "Max (px)"})
	for i, report := range session.Reports {
		t.AppendRow(table.Row{
			i, len(report.Residuals),
			fmt.Sprintf("%.4f", report.RMS), fmt.Sprintf("%.4f", report.Median), fmt.Sprintf("%.4f", report.Max),
		})
	}
	t.AppendFooter(table.Row{"all", "", fmt.Sprintf("%.4f", session.RMS), "", ""})
	t.Render()
}
