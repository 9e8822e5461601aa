package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/tandem-api/internal/events"
)

// Common errors returned by the Queue
var (
	ErrQueueClosed = errors.New("delivery queue is closed")
	ErrQueueFull   = errors.New("delivery queue is full")
)

// Queue buffers events waiting for local fan-out. High priority events have
// their own lane so a burst of presence updates cannot delay entity updates.
type Queue struct {
	mu     sync.RWMutex
	high   chan *events.ChangeEvent
	normal chan *events.ChangeEvent
	closed bool
	logger *slog.Logger
}

// NewQueue creates a queue whose lanes each buffer size events.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		high:   make(chan *events.ChangeEvent, size),
		normal: make(chan *events.ChangeEvent, size),
		logger: logger.With("component", "delivery_queue"),
	}
}

// Enqueue adds an event without blocking.
// Returns an error if the event's lane is full or the queue is closed.
func (q *Queue) Enqueue(ev *events.ChangeEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	lane := q.normal
	if ev.Priority == events.PriorityHigh {
		lane = q.high
	}

	select {
	case lane <- ev:
		q.logger.Debug("event enqueued",
			"message_id", ev.MessageID,
			"event_type", ev.Type,
			"priority", ev.Priority,
			"queue_len", len(lane),
			"queue_cap", cap(lane))
		return nil
	default:
		return fmt.Errorf("%w: lane capacity %d reached", ErrQueueFull, cap(lane))
	}
}

// Close stops accepting events. Buffered events remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.high)
		close(q.normal)
		q.logger.Info("delivery queue closed")
	}
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.high) + len(q.normal)
}
