package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntity(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	e, err := NewEntity(KindTask, owner, "  Write release notes ", "")

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, StatusTodo, e.Status)
	assert.Equal(t, "Write release notes", e.Title)
	assert.Equal(t, []uuid.UUID{owner}, e.TeamMembers)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, "task:"+e.ID.String(), e.Room())

	p, err := NewEntity(KindProject, owner, "Q3 launch", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, p.Status)
}

func TestEntityValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Entity {
		return &Entity{
			ID:          uuid.New(),
			Kind:        KindTask,
			Version:     3,
			Status:      StatusReview,
			Title:       "title",
			OwnerID:     uuid.New(),
			TeamMembers: []uuid.UUID{uuid.New()},
		}
	}

	tests := []struct {
		name    string
		mutate  func(e *Entity)
		wantErr error
	}{
		{name: "valid", mutate: func(e *Entity) {}, wantErr: nil},
		{name: "nil id", mutate: func(e *Entity) { e.ID = uuid.Nil }, wantErr: ErrEntityIDEmpty},
		{name: "unknown kind", mutate: func(e *Entity) { e.Kind = "epic" }, wantErr: ErrInvalidEntityKind},
		{name: "zero version", mutate: func(e *Entity) { e.Version = 0 }, wantErr: ErrInvalidVersion},
		{name: "project status on task", mutate: func(e *Entity) { e.Status = StatusOnHold }, wantErr: ErrInvalidEntityStatus},
		{name: "blank title", mutate: func(e *Entity) { e.Title = "   " }, wantErr: ErrEntityTitleEmpty},
		{name: "long title", mutate: func(e *Entity) { e.Title = strings.Repeat("x", MaxTitleLength+1) }, wantErr: ErrEntityTitleTooLong},
		{name: "nil owner", mutate: func(e *Entity) { e.OwnerID = uuid.Nil }, wantErr: ErrEntityOwnerEmpty},
		{name: "nil member", mutate: func(e *Entity) { e.TeamMembers = append(e.TeamMembers, uuid.Nil) }, wantErr: ErrInvalidMemberID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.Is(err, ErrValidation), "every entity error should classify as validation")
		})
	}
}

func TestEntityCloneIsDeep(t *testing.T) {
	t.Parallel()

	e, err := NewEntity(KindTask, uuid.New(), "title", "")
	require.NoError(t, err)

	c := e.Clone()
	c.TeamMembers[0] = uuid.New()
	c.Title = "changed"

	assert.NotEqual(t, c.TeamMembers[0], e.TeamMembers[0])
	assert.Equal(t, "title", e.Title)
	assert.Nil(t, (*Entity)(nil).Clone())
}

func TestPatchApply(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	member := uuid.New()
	base, err := NewEntity(KindTask, owner, "title", "")
	require.NoError(t, err)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("applies fields and bumps version", func(t *testing.T) {
		title := "new title"
		status := StatusInProgress
		next, err := Patch{Title: &title, Status: &status, AddMembers: []uuid.UUID{member, member}}.Apply(base, now)

		require.NoError(t, err)
		assert.Equal(t, int64(2), next.Version)
		assert.Equal(t, "new title", next.Title)
		assert.Equal(t, StatusInProgress, next.Status)
		assert.ElementsMatch(t, []uuid.UUID{owner, member}, next.TeamMembers)
		assert.Equal(t, now, next.UpdatedAt)

		assert.Equal(t, int64(1), base.Version, "input entity must not change")
		assert.Equal(t, "title", base.Title)
	})

	t.Run("owner cannot be removed from members", func(t *testing.T) {
		next, err := Patch{RemoveMembers: []uuid.UUID{owner}}.Apply(base, now)
		require.NoError(t, err)
		assert.Contains(t, next.TeamMembers, owner)
	})

	t.Run("empty patch is rejected", func(t *testing.T) {
		_, err := Patch{}.Apply(base, now)
		assert.ErrorIs(t, err, ErrEmptyPatch)
	})

	t.Run("invalid status is rejected", func(t *testing.T) {
		status := StatusActive
		_, err := Patch{Status: &status}.Apply(base, now)
		assert.ErrorIs(t, err, ErrInvalidEntityStatus)
	})

	t.Run("nil member is rejected", func(t *testing.T) {
		_, err := Patch{AddMembers: []uuid.UUID{uuid.Nil}}.Apply(base, now)
		assert.ErrorIs(t, err, ErrInvalidMemberID)
	})
}
