package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/tandem-api/internal/events"
)

// Handler delivers one event.
type Handler func(ctx context.Context, ev *events.ChangeEvent) error

// PoolConfig holds configuration options for the worker pool
type PoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// Pool runs workers that take events from a Queue, high lane first.
type Pool struct {
	queue       *Queue
	handler     Handler
	workerCount int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	errorHandler func(ev *events.ChangeEvent, err error)
}

// NewPool creates a pool; call Start to launch the workers.
func NewPool(queue *Queue, handler Handler, config PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "delivery_pool")

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		queue:       queue,
		handler:     handler,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		errorHandler: func(ev *events.ChangeEvent, err error) {
			logger.Error("event delivery failed",
				"message_id", ev.MessageID,
				"event_type", ev.Type,
				"error", err)
		},
	}
}

// SetErrorHandler replaces the default error handler, which only logs.
func (p *Pool) SetErrorHandler(handler func(ev *events.ChangeEvent, err error)) {
	p.errorHandler = handler
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the queue and waits for the workers to drain it. If ctx ends
// first, in-flight deliveries are cancelled and the remaining events dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("delivery queue not drained before deadline",
			"dropped", p.queue.Len())
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)
	high, normal := p.queue.high, p.queue.normal

	for high != nil || normal != nil {
		if p.ctx.Err() != nil {
			return
		}

		// Drain the high lane before looking at the normal one.
		if high != nil {
			select {
			case ev, ok := <-high:
				if !ok {
					high = nil
					continue
				}
				p.process(ev)
				continue
			default:
			}
		}

		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case ev, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			p.process(ev)
		case ev, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			p.process(ev)
		}
	}

	p.logger.Debug("delivery queue closed, stopping worker", "worker_id", id)
}

func (p *Pool) process(ev *events.ChangeEvent) {
	if err := p.handler(p.ctx, ev); err != nil {
		p.errorHandler(ev, err)
	}
}
