package realtime

import "errors"

var (
	// ErrRateLimitExceeded is reported to a client that sent more frames than
	// its sliding window allows. The connection stays open.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSendQueueFull means a socket's outbound queue had no room.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrSessionClosed is returned when sending to a session that is shutting down.
	ErrSessionClosed = errors.New("session closed")

	// ErrIllegalTransition is returned for a state change the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal session state transition")

	// ErrInvalidRoom is returned for a malformed room name.
	ErrInvalidRoom = errors.New("invalid room")

	// ErrForbiddenRoom is returned when a user may not join a room.
	ErrForbiddenRoom = errors.New("room access forbidden")

	// ErrDeliveryFailed reports that an event could not reach every target socket.
	ErrDeliveryFailed = errors.New("delivery failed")
)
