package shared

import "errors"

var (
	// ErrNotFound indicates that a referenced node, user, grant or delegation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates rejected input (zero level, past expiry, empty time window).
	ErrValidation = errors.New("invalid")
	// ErrConflict indicates an overlapping delegation window or duplicate entry.
	ErrConflict = errors.New("conflict")
	// ErrHierarchyTooDeep indicates the ancestor walk exceeded the configured depth bound.
	ErrHierarchyTooDeep = errors.New("hierarchy too deep")
)
