// Package concurrency provides the Controller through which every entity
// mutation flows. It combines an in-process per-entity lock with the store's
// version check, then updates the cache and publishes the change, in that
// order, before acknowledging the caller.
package concurrency
