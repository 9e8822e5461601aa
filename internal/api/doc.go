// Package api exposes the entity REST surface: create, fetch and
// version-checked patch of tasks and projects. Handlers decode and validate
// requests, call the concurrency controller, and map its errors onto HTTP
// status codes. A stale expectedVersion comes back as 409 with the current
// version so the caller can refetch and retry.
package api
