package metrics

import "time"

// Recorder receives counters and histograms from the sync core.
// Implementations must not block the caller.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	// ConnectionRejected counts a refused connection; reason is e.g. "capacity" or "auth".
	ConnectionRejected(reason string)

	MessageReceived(kind string)
	MessageSent(kind string)
	DeliveryLatency(d time.Duration)

	// Error counts an absorbed failure in component ("cache", "broadcast", "delivery", ...).
	Error(component, reason string)

	CacheResult(op, result string)
	WriteResult(result string)
	CircuitState(name string, state int)
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) ConnectionOpened()             {}
func (Noop) ConnectionClosed()             {}
func (Noop) ConnectionRejected(string)     {}
func (Noop) MessageReceived(string)        {}
func (Noop) MessageSent(string)            {}
func (Noop) DeliveryLatency(time.Duration) {}
func (Noop) Error(string, string)          {}
func (Noop) CacheResult(string, string)    {}
func (Noop) WriteResult(string)            {}
func (Noop) CircuitState(string, int)      {}
