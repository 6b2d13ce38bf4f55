// Package calibrate produces 2D-3D correspondences for calibration targets: the object-space
// grid, chessboard corner detection with sub-pixel refinement, and manual point picking.
package calibrate

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/spf13/cast"
	"go.viam.com/utils"

	camutils "go.viam.com/camcalib/utils"
)

// PatternGeometry describes a planar chessboard by its inner corners.
type PatternGeometry struct {
	Rows    int     `json:"rows"`
	Cols    int     `json:"cols"`
	Spacing float64 `json:"spacing_mm"`
}

// DefaultPatternGeometry is a 7x10 inner-corner board with 24mm squares.
func DefaultPatternGeometry() PatternGeometry {
	return PatternGeometry{Rows: 7, Cols: 10, Spacing: 24}
}

// CheckValid checks that every dimension is positive.
func (pg PatternGeometry) CheckValid() error {
	if pg.Rows <= 0 || pg.Cols <= 0 {
		return camutils.NewInputError("pattern needs positive rows and cols, got %dx%d", pg.Rows, pg.Cols)
	}
	if pg.Spacing <= 0 {
		return camutils.NewInputError("pattern spacing must be positive, got %v", pg.Spacing)
	}
	return nil
}

// NumPoints is Rows*Cols.
func (pg PatternGeometry) NumPoints() int {
	return pg.Rows * pg.Cols
}

// ObjectPoints returns the corners on the z=0 plane in row-major order: point i*Cols+j is
// (j*Spacing, i*Spacing, 0). This is the order SaddleDetector reports image corners in.
func (pg PatternGeometry) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, pg.NumPoints())
	for i := 0; i < pg.Rows; i++ {
		for j := 0; j < pg.Cols; j++ {
			pts = append(pts, r3.Vector{X: float64(j) * pg.Spacing, Y: float64(i) * pg.Spacing})
		}
	}
	return pts
}

// ReadObjectPointsFile reads one "x,y,z" point per line, in file order. Blank lines are skipped.
func ReadObjectPointsFile(path string) ([]r3.Vector, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, camutils.NewInputError("cannot open object points file %q: %v", path, err)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ParseObjectPoints(f)
}

// ParseObjectPoints parses "x,y,z" lines. Values may be integers or floats.
func ParseObjectPoints(r io.Reader) ([]r3.Vector, error) {
	var pts []r3.Vector
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, camutils.NewInputError("line %d: expected x,y,z but got %q", lineNum, line)
		}
		var coords [3]float64
		for i, field := range fields {
			v, err := cast.ToFloat64E(strings.TrimSpace(field))
			if err != nil {
				return nil, camutils.NewInputError("line %d: %v", lineNum, err)
			}
			coords[i] = v
		}
		pts = append(pts, r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, camutils.NewInputError("reading object points: %v", err)
	}
	if len(pts) == 0 {
		return nil, camutils.NewInputError("no object points found")
	}
	return pts, nil
}
