package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound          = errors.New("domain: not found")
	ErrConflict          = errors.New("domain: conflict")
	ErrValidation        = errors.New("domain: invalid machine definition")
	ErrGitPolicy         = errors.New("domain: git policy violation")
	ErrInvalidTransition = errors.New("domain: invalid transition")
	ErrPersistence       = errors.New("domain: persistence failure")
)
