// Package store holds the persistence contract for tasks and projects.
//
// Every mutation goes through EntityStore.WriteIfVersion: the store compares
// the stored version with the caller's expected version and either writes
// version+1 or returns a *VersionConflictError carrying the current version.
// Implementations live under internal/platform.
package store
