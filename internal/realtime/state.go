package realtime

import (
	"fmt"
	"slices"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// transitions lists every allowed next state. A failed handshake goes straight
// from connecting to disconnected.
var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateActive, StateDisconnecting},
	StateActive:        {StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
