// Package main prints the projection matrix of a calibrated, posed camera and the
// orientation recovered from it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/paramstore"
	"go.viam.com/camcalib/rimage/transform"
	camutils "go.viam.com/camcalib/utils"
)

var logger = logging.NewLogger("camera_direction")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Params   string `flag:"0,required,usage=camera parameter file"`
	Position string `flag:"1,required,usage=camera position file"`
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	model, err := paramstore.LoadModel(argsParsed.Params)
	if err != nil {
		return err
	}
	pose, err := paramstore.LoadPose(argsParsed.Position)
	if err != nil {
		return err
	}
	p := transform.ComposeProjectionMatrix(model.PinholeCameraIntrinsics, pose)
	decomposition, err := transform.DecomposeProjectionMatrix(p)
	if err != nil {
		return err
	}
	logger.Debugw("decomposed projection", "camera_center", decomposition.CameraCenter)
	printDirection(os.Stdout, p, decomposition)
	return nil
}

func printDirection(w io.Writer, p mat.Matrix, d *transform.ProjectionDecomposition) {
	fmt.Fprintf(w, "projection:\n%v\n\n", mat.Formatted(p, mat.Squeeze()))
	fmt.Fprintf(w, "intrinsic:\n%v\n\n", mat.Formatted(d.K, mat.Squeeze()))
	fmt.Fprintf(w, "rotation:\n%v\n\n", mat.Formatted(d.Rotation.Dense(), mat.Squeeze()))
	fmt.Fprintf(w, "camera center: (%.3f, %.3f, %.3f)\n\n", d.CameraCenter.X, d.CameraCenter.Y, d.CameraCenter.Z)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"", "Roll", "Pitch", "Yaw"})
	t.AppendRow(table.Row{
		"degrees",
		fmt.Sprintf("%.4f", camutils.RadToDeg(d.Angles.Roll)),
		fmt.Sprintf("%.4f", camutils.RadToDeg(d.Angles.Pitch)),
		fmt.Sprintf("%.4f", camutils.RadToDeg(d.Angles.Yaw)),
	})
	t.Render()
}
