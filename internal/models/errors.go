package models

import "errors"

// Sentinel errors shared across components. Handlers map these to HTTP
// status codes; workers map them to recovery policy.
var (
	ErrInvalidInterval = errors.New("random interval requires 0 < min <= max")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrValidation      = errors.New("validation failed")
)
