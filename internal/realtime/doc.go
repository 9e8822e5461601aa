// Package realtime manages live websocket connections on one server process.
//
// A Manager admits, authenticates and supervises connections. Each admitted
// connection becomes a Session that moves through
// connecting -> authenticated -> active -> disconnecting -> disconnected.
// Sessions join rooms in a Hub, and the Hub fans change events out to the
// sockets in a room. The socket map never leaves the process; other
// processes learn about changes through the event bus.
package realtime
