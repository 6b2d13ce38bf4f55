package transform

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/camcalib/spatialmath"
	"go.viam.com/camcalib/utils"
)

// Pose is the rigid transform taking object (target) coordinates to camera coordinates:
// p_cam = R(Rotation) * p_obj + Translation. Rotation is an axis-angle vector in radians.
type Pose struct {
	Rotation    r3.Vector `json:"rotation"`
	Translation r3.Vector `json:"translation"`
}

// NewPose builds a pose from a rotation matrix and translation.
func NewPose(rotation *spatialmath.RotationMatrix, translation r3.Vector) *Pose {
	return &Pose{Rotation: rotation.RotationVector(), Translation: translation}
}

// RotationMatrix returns the rotation via the exponential (Rodrigues) map.
func (p *Pose) RotationMatrix() *spatialmath.RotationMatrix {
	return spatialmath.RotationVectorToMatrix(p.Rotation)
}

// TransformPoint maps an object point into the camera frame.
func (p *Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return p.RotationMatrix().Mul(pt).Add(p.Translation)
}

// CameraCenter returns the camera position in object coordinates, -R^T * t.
func (p *Pose) CameraCenter() r3.Vector {
	return p.RotationMatrix().Transpose().Mul(p.Translation).Mul(-1)
}

// PoseFromHomography recovers the pose of a z=0 plane from the homography mapping plane
// coordinates to pixels under the given intrinsics. The rotation is orthonormalized and the
// sign chosen so the plane lies in front of the camera.
func PoseFromHomography(intrinsics *PinholeCameraIntrinsics, h *Homography) (*Pose, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	kInv := func(col []float64) r3.Vector {
		return r3.Vector{
			X: (col[0] - intrinsics.Ppx*col[2]) / intrinsics.Fx,
			Y: (col[1] - intrinsics.Ppy*col[2]) / intrinsics.Fy,
			Z: col[2],
		}
	}
	h1, h2, h3 := kInv(h.Col(0)), kInv(h.Col(1)), kInv(h.Col(2))
	norm := h1.Norm()
	if norm < 1e-15 || h2.Norm() < 1e-15 {
		return nil, utils.NewDegenerateGeometryError("homography has a null column")
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1 := h1.Mul(lambda)
	r2 := h2.Mul(lambda)
	r3v := r1.Cross(r2)
	t := h3.Mul(lambda)

	approx, err := spatialmath.NewRotationMatrix([]float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	if err != nil {
		return nil, err
	}
	rot, err := spatialmath.OrthonormalizeRotation(approx.Dense())
	if err != nil {
		return nil, utils.NewDegenerateGeometryError("%v", err)
	}
	if math.IsNaN(t.X) || math.IsNaN(t.Y) || math.IsNaN(t.Z) {
		return nil, utils.NewDegenerateGeometryError("translation is not finite")
	}
	return NewPose(rot, t), nil
}
