package model

import (
	"errors"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrJobNotFound   = errors.New("job not found")
	ErrDuplicateJob  = errors.New("duplicate job")
	ErrJobInProgress = errors.New("job already supervised")
	ErrPackaging     = errors.New("packaging failed")
)

// ValidationError describes a rejected request. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}
