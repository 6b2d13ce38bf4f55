package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	"go.viam.com/camcalib/utils"
)

// ProjectPoints maps object points through the pose, the pinhole model and the distortion model.
func ProjectPoints(objectPoints []r3.Vector, pose *Pose, model *PinholeCameraModel) []r2.Point {
	rot := pose.RotationMatrix()
	out := make([]r2.Point, len(objectPoints))
	for i, p := range objectPoints {
		out[i] = model.ProjectPoint(rot.Mul(p).Add(pose.Translation))
	}
	return out
}

// ReprojectionReport holds per-point residuals of a model against measured image points.
type ReprojectionReport struct {
	Predicted []r2.Point
	// Residuals are Euclidean distances in pixels, index-aligned with Predicted.
	Residuals []float64
	RMS       float64
	Median    float64
	Max       float64
}

// EvaluateReprojection compares measured image points with the projections of objectPoints.
// It never modifies its inputs.
func EvaluateReprojection(objectPoints []r3.Vector, pose *Pose, model *PinholeCameraModel, measured []r2.Point) (*ReprojectionReport, error) {
	if len(objectPoints) != len(measured) {
		return nil, utils.NewInputError("%d object points but %d image points", len(objectPoints), len(measured))
	}
	if len(objectPoints) == 0 {
		return nil, utils.NewInputError("no points to evaluate")
	}
	if pose == nil {
		return nil, utils.NewInputError("pose is required")
	}
	if err := model.CheckValid(); err != nil {
		return nil, utils.NewInputError("%v", err)
	}
	report := &ReprojectionReport{
		Predicted: ProjectPoints(objectPoints, pose, model),
		Residuals: make([]float64, len(measured)),
	}
	var sumSq float64
	for i, pt := range report.Predicted {
		report.Residuals[i] = pt.Sub(measured[i]).Norm()
		sumSq += report.Residuals[i] * report.Residuals[i]
	}
	report.RMS = math.Sqrt(sumSq / float64(len(measured)))
	var err error
	if report.Median, err = stats.Median(report.Residuals); err != nil {
		return nil, err
	}
	if report.Max, err = stats.Max(report.Residuals); err != nil {
		return nil, err
	}
	return report, nil
}

// RMS combines per-view squared residual sums into one root mean square over all points.
func RMS(reports ...*ReprojectionReport) float64 {
	var sumSq float64
	var n int
	for _, r := range reports {
		for _, res := range r.Residuals {
			sumSq += res * res
		}
		n += len(r.Residuals)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}
