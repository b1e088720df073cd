package photogrammetry

import "errors"

// kindError is a sentinel that also matches its parent kind with errors.Is.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	ErrNonConvergence     = errors.New("no convergence")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrFormatMismatch     = errors.New("format mismatch")
	ErrInvalidParameter   = errors.New("invalid parameter")

	ErrInsufficientViews       error = &kindError{"insufficient views", ErrInsufficientData}
	ErrInsufficientPoints      error = &kindError{"insufficient points", ErrInsufficientData}
	ErrDegenerateConfiguration error = &kindError{"degenerate configuration", ErrDegenerateGeometry}
	ErrNoPose                  error = &kindError{"extrinsic pose required", ErrInvalidParameter}

	// ErrNoConvergence is the name used by the pose solvers and the
	// undistortion loop.
	ErrNoConvergence = ErrNonConvergence
)
