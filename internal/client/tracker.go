package client

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phrazzld/tandem-api/internal/events"
)

const defaultDedupSize = 4096

// VersionTracker filters inbound envelopes. It drops repeated message IDs and
// entity updates older than a version already seen, since arrival order is
// not guaranteed to match commit order.
type VersionTracker struct {
	seen *lru.Cache[uuid.UUID, struct{}]

	mu       sync.Mutex
	versions map[uuid.UUID]int64
}

// NewVersionTracker remembers up to dedupSize message IDs.
func NewVersionTracker(dedupSize int) *VersionTracker {
	if dedupSize <= 0 {
		dedupSize = defaultDedupSize
	}
	seen, err := lru.New[uuid.UUID, struct{}](dedupSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &VersionTracker{
		seen:     seen,
		versions: make(map[uuid.UUID]int64),
	}
}

// Accept reports whether env should be handed to the application.
func (t *VersionTracker) Accept(env events.Envelope) bool {
	if env.MessageID != uuid.Nil {
		if found, _ := t.seen.ContainsOrAdd(env.MessageID, struct{}{}); found {
			return false
		}
	}

	if env.Type != events.TypeTaskUpdate && env.Type != events.TypeProjectUpdate {
		return true
	}

	var payload events.EntityPayload
	if err := env.UnmarshalPayload(&payload); err != nil || payload.Entity == nil {
		return true
	}
	return t.Observe(payload.Entity.ID, payload.Entity.Version)
}

// Observe records version for entityID and reports whether it is newer than
// anything seen before.
func (t *VersionTracker) Observe(entityID uuid.UUID, version int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.versions[entityID]; ok && version <= current {
		return false
	}
	t.versions[entityID] = version
	return true
}

// Version returns the newest version seen for entityID.
func (t *VersionTracker) Version(entityID uuid.UUID) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.versions[entityID]
	return v, ok
}
