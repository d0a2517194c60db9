package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Dispatcher runs post-commit work on a fixed pool of goroutines so that
// slow or failing side effects never hold up a committed operation.
type Dispatcher struct {
	tasks   chan task
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		tasks:   make(chan task, queueSize),
		timeout: timeout,
		logger:  logger,
	}
	d.wg.Add(workers)
	for range workers {
		go d.work()
	}
	return d
}

// Submit queues fn without blocking. It reports false when the queue is full
// or the dispatcher is closed, in which case fn is dropped.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping task", zap.String("task", name))
		return false
	}

	select {
	case d.tasks <- task{name: name, fn: fn}:
		return true
	default:
		d.logger.Warn("dispatch queue full, dropping task", zap.String("task", name))
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()

	t.fn(ctx)
}
