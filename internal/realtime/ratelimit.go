package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SlidingWindow admits at most limit events in any window-long span.
// It keeps one timestamp per admitted event, so memory is bounded by limit.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clk    clock.Clock
	hits   []time.Time
}

// NewSlidingWindow creates a limiter. A nil clk uses the wall clock.
func NewSlidingWindow(limit int, window time.Duration, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		clk:    clk,
		hits:   make([]time.Time, 0, limit),
	}
}

// Allow records an event and reports whether it fits in the window.
// Rejected events are not recorded.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	cutoff := now.Add(-w.window)

	expired := 0
	for expired < len(w.hits) && !w.hits[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		w.hits = append(w.hits[:0], w.hits[expired:]...)
	}

	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// Count returns the number of events currently inside the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clk.Now().Add(-w.window)
	n := 0
	for _, h := range w.hits {
		if h.After(cutoff) {
			n++
		}
	}
	return n
}
