// Package metrics defines the Recorder the sync core reports to, with a
// Prometheus implementation and a no-op one for tests.
package metrics
