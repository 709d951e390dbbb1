package domain

import "errors"

// Error taxonomy. Callers dispatch with errors.Is; wrapping adds the
// field names and IDs needed to decide on retry or manual intervention.
var (
	// ErrNotFound: record or group absent, or tenant-scope mismatch.
	// Always surfaced, never retried locally.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput: rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig: malformed tenant configuration. Recovered locally by
	// falling back to defaults; surfaced only on explicit updates.
	ErrConfig = errors.New("invalid detection config")

	// ErrMergeFailed: a step of the atomic merge failed and the whole
	// transaction was rolled back.
	ErrMergeFailed = errors.New("merge failed")
)
