package utils

import (
	"github.com/pkg/errors"
)

// Failure categories shared by every pipeline stage. Errors returned by the pipeline wrap
// exactly one of these so callers can branch with errors.Is.
var (
	// ErrInput is a missing or malformed file or argument.
	ErrInput = errors.New("invalid input")
	// ErrDetectionFailure means the calibration pattern could not be located in an image.
	ErrDetectionFailure = errors.New("pattern not found")
	// ErrAcquisitionCancelled means manual point picking was cancelled before completion.
	ErrAcquisitionCancelled = errors.New("acquisition cancelled")
	// ErrInsufficientData means fewer usable views remain than calibration requires.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInsufficientPoints means a correspondence set is too small for the requested solve.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrDegenerateGeometry means points are collinear or otherwise rank deficient.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	// ErrNonConvergent means a nonlinear refinement did not converge within its iteration budget.
	ErrNonConvergent = errors.New("refinement did not converge")
	// ErrIO is an unreadable or unwritable path.
	ErrIO = errors.New("i/o error")
	// ErrParse is a missing or malformed field in a parameter document.
	ErrParse = errors.New("parse error")
)

// NewInputError is used when a file or argument is missing or malformed.
func NewInputError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInput, format, args...)
}

// NewDetectionFailureError is used when the calibration pattern cannot be located.
func NewDetectionFailureError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDetectionFailure, format, args...)
}

// NewAcquisitionCancelledError is used when manual acquisition stops before N points.
func NewAcquisitionCancelledError(collected, wanted int) error {
	return errors.Wrapf(ErrAcquisitionCancelled, "collected %d of %d points", collected, wanted)
}

// NewInsufficientDataError is used when too few views are usable.
func NewInsufficientDataError(have, want int) error {
	return errors.Wrapf(ErrInsufficientData, "need at least %d views, have %d", want, have)
}

// NewInsufficientPointsError is used when a correspondence set is too small.
func NewInsufficientPointsError(have, want int) error {
	return errors.Wrapf(ErrInsufficientPoints, "need at least %d points, have %d", want, have)
}

// NewDegenerateGeometryError is used when points are collinear or rank deficient.
func NewDegenerateGeometryError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDegenerateGeometry, format, args...)
}

// NewNonConvergentError is used when refinement exhausts its iteration budget.
func NewNonConvergentError(iterations int, cost float64) error {
	return errors.Wrapf(ErrNonConvergent, "stopped after %d iterations with cost %g", iterations, cost)
}

// NewIOError wraps a filesystem failure for the given path.
func NewIOError(err error, path string) error {
	return errors.Wrapf(ErrIO, "%s: %v", path, err)
}

// NewParseError is used when a parameter document is missing or has malformed fields.
func NewParseError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrParse, format, args...)
}
