package calibrate

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/camcalib/utils"
)

// CorrespondenceSet pairs object points with the image points they were observed at.
// Index i of ObjectPoints corresponds to index i of ImagePoints.
type CorrespondenceSet struct {
	ObjectPoints []r3.Vector `json:"object_points"`
	ImagePoints  []r2.Point  `json:"image_points"`
}

// NewCorrespondenceSet checks that both halves have the same length.
func NewCorrespondenceSet(objectPoints []r3.Vector, imagePoints []r2.Point) (*CorrespondenceSet, error) {
	if len(objectPoints) != len(imagePoints) {
		return nil, utils.NewInputError("%d object points but %d image points", len(objectPoints), len(imagePoints))
	}
	return &CorrespondenceSet{ObjectPoints: objectPoints, ImagePoints: imagePoints}, nil
}

// Len returns the number of correspondences.
func (cs *CorrespondenceSet) Len() int {
	return len(cs.ImagePoints)
}

// CheckValid checks the halves are aligned and that there are at least minPoints pairs.
func (cs *CorrespondenceSet) CheckValid(minPoints int) error {
	if cs == nil {
		return utils.NewInputError("correspondence set is nil")
	}
	if len(cs.ObjectPoints) != len(cs.ImagePoints) {
		return utils.NewInputError("%d object points but %d image points", len(cs.ObjectPoints), len(cs.ImagePoints))
	}
	if cs.Len() < minPoints {
		return utils.NewInsufficientPointsError(cs.Len(), minPoints)
	}
	return nil
}

// PlanarObjectPoints returns the x,y coordinates of the object points and whether they all lie
// on the z=0 plane.
func (cs *CorrespondenceSet) PlanarObjectPoints() ([]r2.Point, bool) {
	out := make([]r2.Point, len(cs.ObjectPoints))
	planar := true
	for i, p := range cs.ObjectPoints {
		out[i] = r2.Point{X: p.X, Y: p.Y}
		if p.Z != 0 {
			planar = false
		}
	}
	return out, planar
}
