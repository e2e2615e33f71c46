package models

import "errors"

// Error kinds shared by every package. Callers wrap them with context and
// match with errors.Is.
var (
	// ErrInputMissing is returned when a required file, directory or option is absent.
	ErrInputMissing = errors.New("tractmodes: input missing")

	// ErrMalformedMatrix is returned for empty, non-numeric or shape-inconsistent triplet files.
	ErrMalformedMatrix = errors.New("tractmodes: malformed matrix")

	// ErrShapeMismatch is returned when two inputs disagree on a dimension.
	ErrShapeMismatch = errors.New("tractmodes: shape mismatch")

	// ErrInvalidRank is returned when a requested rank exceeds a matrix dimension.
	ErrInvalidRank = errors.New("tractmodes: invalid rank")

	// ErrNonconvergence marks an iteration limit reached before tolerance.
	// It is only ever logged, never returned from a decomposition.
	ErrNonconvergence = errors.New("tractmodes: did not converge")

	// ErrIO wraps filesystem and serialisation failures.
	ErrIO = errors.New("tractmodes: io error")

	// ErrLookupShapeMismatch is returned when a lookup volume, coord table or
	// medial-wall mask disagrees with a factor matrix.
	ErrLookupShapeMismatch = errors.New("tractmodes: lookup shape mismatch")

	// ErrCancelRequested is returned when the run context is cancelled.
	ErrCancelRequested = errors.New("tractmodes: cancel requested")
)
