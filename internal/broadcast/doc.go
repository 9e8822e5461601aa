// Package broadcast moves committed changes between server processes.
// Broadcaster publishes on the shared bus; Relay consumes it on every process
// and feeds the local delivery queue.
package broadcast
