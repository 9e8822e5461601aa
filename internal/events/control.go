package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ControlType identifies client/server protocol frames that are not change
// events. Control types are lower case; event types are upper case.
type ControlType string

const (
	ControlAuth         ControlType = "auth"
	ControlSubscribe    ControlType = "subscribe"
	ControlUnsubscribe  ControlType = "unsubscribe"
	ControlPing         ControlType = "ping"
	ControlPong         ControlType = "pong"
	ControlPresence     ControlType = "presence"
	ControlComment      ControlType = "comment"
	ControlSubscribed   ControlType = "subscribed"
	ControlUnsubscribed ControlType = "unsubscribed"
	ControlWelcome      ControlType = "welcome"
)

// ControlMessage is a protocol frame. Which fields are set depends on Type.
type ControlMessage struct {
	Type      ControlType    `json:"type"`
	Room      string         `json:"room,omitempty"`
	Token     string         `json:"token,omitempty"`
	Status    PresenceStatus `json:"status,omitempty"`
	EntityID  uuid.UUID      `json:"entityId"`
	Body      string         `json:"body,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Nonce     string         `json:"nonce,omitempty"`
	MessageID uuid.UUID      `json:"messageId"`
}

// Frame is a decoded text frame: exactly one of Envelope or Control is set.
type Frame struct {
	Envelope *Envelope
	Control  *ControlMessage
}

// DecodeFrame decodes a text frame, telling envelopes and control messages
// apart by the case of their type.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if head.Type == "" {
		return Frame{}, fmt.Errorf("failed to decode frame: missing type")
	}

	if Type(head.Type).Valid() {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("failed to decode envelope: %w", err)
		}
		return Frame{Envelope: &env}, nil
	}

	if head.Type != strings.ToLower(head.Type) {
		return Frame{}, fmt.Errorf("failed to decode frame: unknown type %q", head.Type)
	}

	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("failed to decode control message: %w", err)
	}
	return Frame{Control: &msg}, nil
}
