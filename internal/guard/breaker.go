package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name string
	// ErrorThresholdPercent opens the circuit once the window's failure
	// percentage exceeds it.
	ErrorThresholdPercent float64
	// MinimumRequests is the window volume below which the circuit never opens.
	MinimumRequests int
	Window          time.Duration
	// Buckets splits Window into slots that age out one at a time.
	Buckets  int
	Cooldown time.Duration
	Clock    clock.Clock
	// OnStateChange is called synchronously, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (c *BreakerConfig) setDefaults() {
	if c.ErrorThresholdPercent <= 0 {
		c.ErrorThresholdPercent = 50
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 1
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type bucket struct {
	epoch     int64
	successes int
	failures  int
}

// Counts is a snapshot of the rolling window.
type Counts struct {
	Requests int
	Failures int
}

// FailurePercent returns the failure share of the window, 0 when empty.
func (c Counts) FailurePercent() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) * 100 / float64(c.Requests)
}

// CircuitBreaker is a CLOSED/OPEN/HALF_OPEN state machine over a rolling
// error-rate window.
//
//	CLOSED    -> OPEN       window volume >= MinimumRequests and failure % > threshold
//	OPEN      -> HALF_OPEN  first call after Cooldown; that call is the trial
//	HALF_OPEN -> CLOSED     trial succeeded (window reset)
//	HALF_OPEN -> OPEN       trial failed (cool-down restarts)
type CircuitBreaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	buckets       []bucket
	bucketWidth   time.Duration
	openedAt      time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.setDefaults()
	width := cfg.Window / time.Duration(cfg.Buckets)
	if width <= 0 {
		width = time.Millisecond
	}
	return &CircuitBreaker{
		cfg:         cfg,
		buckets:     make([]bucket, cfg.Buckets),
		bucketWidth: width,
	}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state. An open circuit whose cool-down elapsed is
// still reported open until the next call turns it half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the current rolling window totals.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.countsLocked(cb.cfg.Clock.Now())
}

// Execute runs fn if the circuit allows it and records the outcome.
// Context cancellation from the caller is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(trial)
		return err
	}
	cb.record(trial, err == nil)
	return err
}

func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	now := cb.cfg.Clock.Now()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		notify := cb.transitionLocked(StateHalfOpen, now)
		cb.mu.Unlock()
		notify()
		return true, nil
	default:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		cb.mu.Unlock()
		return true, nil
	}
}

// release frees the trial slot without deciding the circuit.
func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial, success bool) {
	cb.mu.Lock()
	now := cb.cfg.Clock.Now()
	notify := func() {}

	switch {
	case trial:
		cb.trialInFlight = false
		if success {
			notify = cb.transitionLocked(StateClosed, now)
		} else {
			notify = cb.transitionLocked(StateOpen, now)
		}
	case cb.state == StateClosed:
		b := cb.bucketLocked(now)
		if success {
			b.successes++
		} else {
			b.failures++
			c := cb.countsLocked(now)
			if c.Requests >= cb.cfg.MinimumRequests &&
				c.FailurePercent() > cb.cfg.ErrorThresholdPercent {
				notify = cb.transitionLocked(StateOpen, now)
			}
		}
	}
	// Outcomes of calls admitted before the circuit opened are ignored.

	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		for i := range cb.buckets {
			cb.buckets[i] = bucket{}
		}
	}

	if cb.cfg.OnStateChange == nil {
		return func() {}
	}
	name, cbFn := cb.cfg.Name, cb.cfg.OnStateChange
	return func() { cbFn(name, from, to) }
}

func (cb *CircuitBreaker) bucketLocked(now time.Time) *bucket {
	epoch := now.UnixNano() / int64(cb.bucketWidth)
	b := &cb.buckets[int(epoch%int64(len(cb.buckets)))]
	if b.epoch != epoch {
		*b = bucket{epoch: epoch}
	}
	return b
}

func (cb *CircuitBreaker) countsLocked(now time.Time) Counts {
	current := now.UnixNano() / int64(cb.bucketWidth)
	oldest := current - int64(len(cb.buckets)) + 1
	var c Counts
	for _, b := range cb.buckets {
		if b.epoch < oldest || b.epoch > current {
			continue
		}
		c.Requests += b.successes + b.failures
		c.Failures += b.failures
	}
	return c
}
