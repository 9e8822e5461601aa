// Package guard isolates failing outbound calls. It provides an explicit
// circuit breaker state machine, a RetryPolicy value applied through Retry,
// and Guard, which combines both with logging and metrics.
package guard
