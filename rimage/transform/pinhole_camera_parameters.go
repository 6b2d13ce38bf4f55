package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// Skew is assumed to be zero. A zero Width or Height means the image size is unknown.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// NewPinholeCameraIntrinsicsFromMatrix reads fx, fy, ppx and ppy out of a 3x3 intrinsic matrix.
func NewPinholeCameraIntrinsicsFromMatrix(k mat.Matrix, width, height int) (*PinholeCameraIntrinsics, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, NewNoIntrinsicsError(fmt.Sprintf("intrinsic matrix must be 3x3, got %dx%d", r, c))
	}
	scale := k.At(2, 2)
	if scale == 0 || k.At(2, 0) != 0 || k.At(2, 1) != 0 || k.At(1, 0) != 0 {
		return nil, NewNoIntrinsicsError("intrinsic matrix must be upper triangular with a non-zero last element")
	}
	if math.Abs(k.At(0, 1)/scale) > 1e-9 {
		return nil, NewNoIntrinsicsError(fmt.Sprintf("skew must be zero, got %v", k.At(0, 1)/scale))
	}
	intrinsics := &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k.At(0, 0) / scale,
		Fy:     k.At(1, 1) / scale,
		Ppx:    k.At(0, 2) / scale,
		Ppy:    k.At(1, 2) / scale,
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width < 0 || params.Height < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 || math.IsNaN(params.Fx) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 || math.IsNaN(params.Fy) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// NormalizedToPixel maps normalized image coordinates to pixels.
func (params *PinholeCameraIntrinsics) NormalizedToPixel(x, y float64) r2.Point {
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}

// PixelToNormalized maps a pixel to normalized image coordinates.
func (params *PinholeCameraIntrinsics) PixelToNormalized(pt r2.Point) (float64, float64) {
	return (pt.X - params.Ppx) / params.Fx, (pt.Y - params.Ppy) / params.Fy
}

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               *BrownConrady `json:"distortion"`
}

// CheckValid checks the intrinsics and, if present, the distortion.
func (params *PinholeCameraModel) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if params.Distortion != nil {
		return params.Distortion.CheckValid()
	}
	return nil
}

// ProjectPoint projects a point in the camera frame to a distorted pixel.
func (params *PinholeCameraModel) ProjectPoint(p r3.Vector) r2.Point {
	x, y := p.X/p.Z, p.Y/p.Z
	x, y = params.Distortion.Transform(x, y)
	return params.NormalizedToPixel(x, y)
}

// UndistortPixel maps a distorted pixel to undistorted normalized image coordinates.
func (params *PinholeCameraModel) UndistortPixel(pt r2.Point) r2.Point {
	x, y := params.PixelToNormalized(pt)
	x, y = params.Distortion.Undistort(x, y)
	return r2.Point{X: x, Y: y}
}

// DistortionMap is a function that transforms the undistorted input points (u,v) to the distorted points (x,y)
// according to the model in PinholeCameraModel.Distortion.
func (params *PinholeCameraModel) DistortionMap() func(u, v float64) (float64, float64) {
	return func(u, v float64) (float64, float64) {
		x, y := params.PixelToNormalized(r2.Point{X: u, Y: v})
		x, y = params.Distortion.Transform(x, y)
		pt := params.NormalizedToPixel(x, y)
		return pt.X, pt.Y
	}
}
