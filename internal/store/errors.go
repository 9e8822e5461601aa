package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrVersionConflict is returned when an optimistic write observes a
	// stored version different from the expected one.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrEntityNotFound indicates that the requested task or project does not exist.
	ErrEntityNotFound = fmt.Errorf("%w: task or project", ErrNotFound)
)

// VersionConflictError carries the currently stored version so the caller
// can refetch and retry against it.
type VersionConflictError struct {
	EntityID        uuid.UUID
	ExpectedVersion int64
	CurrentVersion  int64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d",
		e.EntityID, e.ExpectedVersion, e.CurrentVersion)
}

// Is makes errors.Is(err, ErrVersionConflict) true for any *VersionConflictError.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// AsVersionConflict extracts a *VersionConflictError from err's chain.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}
