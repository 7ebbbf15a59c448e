package domain

import "errors"

var (
	// ErrNotFound indicates a missing project, column or task.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input the ordering engine refuses before mutating anything.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness violation such as a taken prefix or a
	// duplicate idempotency key.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the caller's role is insufficient.
	ErrForbidden = errors.New("forbidden")
)
