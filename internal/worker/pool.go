package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ianktoo/image-converter/internal/errs"
)

// Func is one unit of queued work.
type Func func(ctx context.Context)

// Pool drains a bounded FIFO queue with a fixed number of workers. A full
// queue rejects submissions instead of spawning more goroutines.
type Pool struct {
	workers int
	queue   chan Func

	mu      sync.Mutex // guards closed and queue admission
	closed  bool
	started bool

	active atomic.Int32
	done   chan struct{}
}

// NewPool creates a pool. Start must be called before work is drained.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Func, queueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx is a hard stop: running
// functions see it and queued ones are still handed the cancelled context.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for fn := range p.queue {
				p.active.Add(1)
				fn(gctx)
				p.active.Add(-1)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
}

// Submit enqueues fn without blocking.
func (p *Pool) Submit(fn Func) error {
	return p.SubmitAll([]Func{fn})
}

// SubmitAll enqueues every function or none of them.
func (p *Pool) SubmitAll(fns []Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: worker pool is shutting down", errs.ErrResourceExhausted)
	}
	if free := cap(p.queue) - len(p.queue); len(fns) > free {
		return fmt.Errorf("%w: queue has room for %d jobs, %d requested", errs.ErrResourceExhausted, free, len(fns))
	}
	for _, fn := range fns {
		p.queue <- fn
	}
	return nil
}

// IsBusy reports whether every worker is occupied.
func (p *Pool) IsBusy() bool {
	return int(p.active.Load()) >= p.workers
}

// Free is the number of functions the queue can still accept.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return cap(p.queue) - len(p.queue)
}

// Stats returns the number of queued and running functions.
func (p *Pool) Stats() (queued, running int) {
	return len(p.queue), int(p.active.Load())
}

// WaitAll stops admission and blocks until queued and running work finishes
// or the context is done. Returns true if all workers finished.
func (p *Pool) WaitAll(ctx context.Context) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	started := p.started
	p.mu.Unlock()
	if !started {
		return true
	}
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		return false
	}
}
