package models

import (
	"errors"
	"fmt"
)

// The error taxonomy. UserError and DataError abort the run; fit-level
// conditions (non-convergence, degenerate rings) are soft per-ring
// flags, not errors. ErrCancelled propagates a user abort and maps to
// exit code 130.
type (
	// UserError is an invalid parameter, a missing file, or an
	// unreadable header.
	UserError struct{ msg string }

	// DataError is an observation the pipeline cannot work with: a
	// blank-only cube, an unknown beam, no detection.
	DataError struct{ msg string }

	// InternalError is an invariant violation.
	InternalError struct{ msg string }
)

func (e *UserError) Error() string     { return e.msg }
func (e *DataError) Error() string     { return e.msg }
func (e *InternalError) Error() string { return e.msg }

func NewUserError(format string, args ...interface{}) error {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

func NewDataError(format string, args ...interface{}) error {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

func NewInternalError(format string, args ...interface{}) error {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}

// ErrCancelled is returned when a run is aborted by the user. Partial
// results accompany it where available.
var ErrCancelled = errors.New("run cancelled")

// ErrNotConverged is reported by the driver when at least one ring hit
// the iteration cap; the fitted set is still usable.
var ErrNotConverged = errors.New("fit did not converge on every ring")

// ExitCode maps an error to the process exit code contract:
// 0 success, 1 user error, 2 non-convergence, 3 I/O or data error,
// 130 cancellation.
func ExitCode(err error) int {
	var ue *UserError
	var de *DataError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCancelled):
		return 130
	case errors.Is(err, ErrNotConverged):
		return 2
	case errors.As(err, &ue):
		return 1
	case errors.As(err, &de):
		return 3
	default:
		return 3
	}
}
