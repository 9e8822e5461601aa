// Package delivery provides the bounded, priority-laned queue between the bus
// relay and local fan-out, and the worker pool that drains it.
package delivery
