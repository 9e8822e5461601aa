package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChangeEvent(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	ev, err := NewChangeEvent(TypeUserStatus, domain.PresenceRoom,
		PresencePayload{UserID: userID, Status: PresenceOnline})

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ev.MessageID)
	assert.Equal(t, PriorityLow, ev.Priority)
	assert.Equal(t, domain.PresenceRoom, ev.Room)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, 2*time.Second)

	var p PresencePayload
	require.NoError(t, ev.UnmarshalPayload(&p))
	assert.Equal(t, userID, p.UserID)
	assert.Equal(t, PresenceOnline, p.Status)
}

func TestNewChangeEvent_Invalid(t *testing.T) {
	t.Parallel()

	_, err := NewChangeEvent("SOMETHING_ELSE", "presence", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewChangeEvent(TypeCommentNew, "", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNewEntityEvent(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	tests := []struct {
		kind     domain.Kind
		wantType Type
	}{
		{domain.KindTask, TypeTaskUpdate},
		{domain.KindProject, TypeProjectUpdate},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			e, err := domain.NewEntity(tt.kind, owner, "Title", "")
			require.NoError(t, err)

			ev, err := NewEntityEvent(e, owner)

			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, e.ID, ev.EntityID)
			assert.Equal(t, int64(1), ev.Version)
			assert.Equal(t, e.Room(), ev.Room)
			assert.Equal(t, PriorityHigh, ev.Priority)

			var p EntityPayload
			require.NoError(t, ev.UnmarshalPayload(&p))
			assert.Equal(t, e.ID, p.Entity.ID)
			assert.Equal(t, owner, p.ChangedBy)
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	ev, err := NewChangeEvent(TypeCommentNew, "task:"+uuid.NewString(), CommentPayload{Body: "hi"})
	require.NoError(t, err)
	ev.OriginClientID = "client-1"

	data, err := json.Marshal(ev.Envelope())
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.ElementsMatch(t,
		[]string{"type", "payload", "timestamp", "messageId", "priority"},
		keys(fields), "envelope exposes exactly the wire fields")
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	env := ErrorEnvelope(CodeRateLimitExceeded, "slow down")

	assert.Equal(t, TypeError, env.Type)
	var p ErrorPayload
	require.NoError(t, env.UnmarshalPayload(&p))
	assert.Equal(t, CodeRateLimitExceeded, p.Code)
	assert.Equal(t, "slow down", p.Message)
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	t.Run("envelope", func(t *testing.T) {
		t.Parallel()
		env := ErrorEnvelope(CodeBadRequest, "bad")
		data, err := json.Marshal(env)
		require.NoError(t, err)

		f, err := DecodeFrame(data)

		require.NoError(t, err)
		require.NotNil(t, f.Envelope)
		assert.Nil(t, f.Control)
		assert.Equal(t, env.MessageID, f.Envelope.MessageID)
	})

	t.Run("control", func(t *testing.T) {
		t.Parallel()
		f, err := DecodeFrame([]byte(`{"type":"subscribe","room":"presence"}`))

		require.NoError(t, err)
		require.NotNil(t, f.Control)
		assert.Equal(t, ControlSubscribe, f.Control.Type)
		assert.Equal(t, "presence", f.Control.Room)
	})

	for name, raw := range map[string]string{
		"not json":     `{`,
		"missing type": `{"room":"x"}`,
		"unknown type": `{"type":"TASK_DELETE"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeFrame([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
