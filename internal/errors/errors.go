package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrNotFound - resource not found (unknown job id, missing artifact)
	ErrNotFound = errors.New("not found")

	// ErrConflict - conflict (starting a job whose id already has a live session)
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput - invalid input (bad session id, malformed request)
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient - transient error (network, rate limits; safe to retry)
	ErrTransient = errors.New("transient error")

	// ErrInvalidModelOutput - model returned malformed structured output
	ErrInvalidModelOutput = errors.New("invalid model output")

	// ErrFatal - unrecoverable failure inside synthesis or review; ends the job
	ErrFatal = errors.New("fatal")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
