// Package redis provides the Redis-backed shared cache tier and the
// cross-process event bus.
package redis
