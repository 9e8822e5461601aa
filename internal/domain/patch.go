package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patch is a partial update to an Entity. Nil fields are left unchanged.
type Patch struct {
	Title         *string     `json:"title,omitempty"`
	Description   *string     `json:"description,omitempty"`
	Status        *Status     `json:"status,omitempty"`
	OwnerID       *uuid.UUID  `json:"ownerId,omitempty"`
	AddMembers    []uuid.UUID `json:"addMembers,omitempty"`
	RemoveMembers []uuid.UUID `json:"removeMembers,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.OwnerID == nil &&
		len(p.AddMembers) == 0 && len(p.RemoveMembers) == 0
}

// Apply returns a new entity with the patch applied, its version bumped by one
// and UpdatedAt set to now. The input entity is never modified.
func (p Patch) Apply(current *Entity, now time.Time) (*Entity, error) {
	if p.IsEmpty() {
		return nil, ErrEmptyPatch
	}

	next := current.Clone()
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.OwnerID != nil {
		next.OwnerID = *p.OwnerID
	}

	for _, id := range p.AddMembers {
		if id == uuid.Nil {
			return nil, ErrInvalidMemberID
		}
		if !slices.Contains(next.TeamMembers, id) {
			next.TeamMembers = append(next.TeamMembers, id)
		}
	}
	if len(p.RemoveMembers) > 0 {
		next.TeamMembers = slices.DeleteFunc(next.TeamMembers, func(id uuid.UUID) bool {
			return slices.Contains(p.RemoveMembers, id)
		})
	}
	// The owner stays a member regardless of removals.
	if !slices.Contains(next.TeamMembers, next.OwnerID) {
		next.TeamMembers = append(next.TeamMembers, next.OwnerID)
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now.UTC()

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
