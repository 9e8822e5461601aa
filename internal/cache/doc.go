// Package cache provides the write-through, read-through entity cache that
// sits in front of the entity store.
//
// The local tier (an expiring LRU) is always written first, so the process
// that acknowledged a write reads that version or newer afterwards. The shared
// tier is advisory: its failures are logged and counted but never fail a write.
package cache
