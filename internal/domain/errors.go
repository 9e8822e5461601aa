// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// Every entity-specific validation error below wraps it, so callers can
	// classify with errors.Is(err, ErrValidation).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = fmt.Errorf("%w: invalid ID", ErrValidation)

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)

// Entity validation errors
var (
	ErrEntityIDEmpty       = fmt.Errorf("%w: entity ID cannot be empty", ErrValidation)
	ErrEntityOwnerEmpty    = fmt.Errorf("%w: entity owner ID cannot be empty", ErrValidation)
	ErrEntityTitleEmpty    = fmt.Errorf("%w: entity title cannot be empty", ErrValidation)
	ErrEntityTitleTooLong  = fmt.Errorf("%w: entity title exceeds %d characters", ErrValidation, MaxTitleLength)
	ErrInvalidEntityKind   = fmt.Errorf("%w: invalid entity kind", ErrValidation)
	ErrInvalidEntityStatus = fmt.Errorf("%w: invalid entity status", ErrValidation)
	ErrInvalidVersion      = fmt.Errorf("%w: version must be positive", ErrValidation)
	ErrInvalidMemberID     = fmt.Errorf("%w: team member ID cannot be empty", ErrValidation)
	ErrEmptyPatch          = fmt.Errorf("%w: patch contains no changes", ErrValidation)
)
