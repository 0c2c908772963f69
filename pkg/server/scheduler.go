package server

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed     = errors.New("worker pool closed")
	ErrExecutorClosed = errors.New("executor closed")
)

// Pool is a fixed set of workers fed by a bounded channel. Submit blocks
// while the channel is full, which pushes back on the submitting reader.
type Pool struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	group *errgroup.Group
}

// NewPool starts workers goroutines with a queue of depth tasks.
func NewPool(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < workers {
		depth = workers
	}
	p := &Pool{
		tasks: make(chan func(), depth),
		quit:  make(chan struct{}),
		group: &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.quit:
			// run what was accepted before the close
			for {
				select {
				case fn := <-p.tasks:
					fn()
				default:
					return nil
				}
			}
		}
	}
}

// Submit queues fn. It fails once the pool is closed or ctx is done.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for the workers to drain.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.quit) })
	return p.group.Wait()
}

// Executor runs the tasks of one connection serially and in submission
// order on a shared Pool. It counts tasks in flight so teardown can wait
// for the last one.
type Executor struct {
	pool *Pool
	ctx  context.Context

	mu       sync.Mutex
	queue    []func()
	running  bool
	closed   bool
	inFlight int
	drained  chan struct{}
}

func NewExecutor(ctx context.Context, pool *Pool) *Executor {
	drained := make(chan struct{})
	close(drained)
	return &Executor{pool: pool, ctx: ctx, drained: drained}
}

// Submit queues fn behind every task submitted before it.
func (e *Executor) Submit(fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if e.inFlight == 0 {
		e.drained = make(chan struct{})
	}
	e.inFlight++
	e.queue = append(e.queue, fn)
	start := !e.running
	e.running = true
	e.mu.Unlock()

	if !start {
		return nil
	}
	if err := e.pool.Submit(e.ctx, e.run); err != nil {
		e.mu.Lock()
		e.inFlight -= len(e.queue)
		e.queue = nil
		e.running = false
		if e.inFlight == 0 {
			close(e.drained)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// run drains the queue on a pool worker. Tasks submitted while it runs are
// picked up by the same call, so a connection never occupies two workers.
func (e *Executor) run() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()

		e.mu.Lock()
		e.inFlight--
		if e.inFlight == 0 {
			close(e.drained)
		}
		e.mu.Unlock()
	}
}

// Close rejects further submissions. Queued tasks still run.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// InFlight returns the number of queued or running tasks.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Wait blocks until no task is queued or running, or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.inFlight == 0 {
			e.mu.Unlock()
			return nil
		}
		ch := e.drained
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
