package spatialmath

import (
	"math"
)

// GimbalLockThreshold is the |cos(pitch)| below which roll and yaw are no longer separable.
const GimbalLockThreshold = 1e-9

// EulerAngles are roll, pitch and yaw in radians. The rotation they describe is
// Rz(yaw) * Ry(pitch) * Rx(roll), i.e. intrinsic z-y'-x'' rotations, with pitch in [-pi/2, pi/2].
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// RotationMatrix returns Rz(yaw) * Ry(pitch) * Rx(roll).
func (ea *EulerAngles) RotationMatrix() *RotationMatrix {
	sr, cr := math.Sincos(ea.Roll)
	sp, cp := math.Sincos(ea.Pitch)
	sy, cy := math.Sincos(ea.Yaw)
	return &RotationMatrix{[9]float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	}}
}

// EulerAngles decomposes the matrix into roll, pitch and yaw. At gimbal lock
// (|cos(pitch)| < GimbalLockThreshold) yaw is set to 0 and the whole rotation about the
// vertical axis is reported as roll.
func (rm *RotationMatrix) EulerAngles() *EulerAngles {
	cosPitch := math.Hypot(rm.At(0, 0), rm.At(1, 0))
	if cosPitch < GimbalLockThreshold {
		return &EulerAngles{
			Roll:  math.Atan2(-rm.At(1, 2), rm.At(1, 1)),
			Pitch: math.Copysign(math.Pi/2, -rm.At(2, 0)),
			Yaw:   0,
		}
	}
	return &EulerAngles{
		Roll:  math.Atan2(rm.At(2, 1), rm.At(2, 2)),
		Pitch: math.Atan2(-rm.At(2, 0), cosPitch),
		Yaw:   math.Atan2(rm.At(1, 0), rm.At(0, 0)),
	}
}
