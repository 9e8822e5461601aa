// Package domain defines the versioned entities (tasks and projects) that the
// synchronization core keeps consistent, the partial-update Patch applied to
// them, room naming for change fan-out, and the validation errors shared by
// every layer above.
package domain
