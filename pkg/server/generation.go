package server

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aeolun/voxelgate/pkg/world"
)

// genRequest asks for one column. Requests without a connection are
// context-only: the column is generated so its neighbours come out right,
// but nothing is delivered and they are never aborted.
type genRequest struct {
	conn    *Connection
	key     world.ChunkKey
	pending *pendingRequest
}

// genResponse answers a delivery request on the connection's response queue.
type genResponse struct {
	key     world.ChunkKey
	pending *pendingRequest
	col     *world.Column
	err     error
}

// generationQueue feeds generation workers from an unbounded FIFO. Handlers
// submit from pool workers, so Submit must never block on the generators.
type generationQueue struct {
	src     world.ChunkSource
	ctx     context.Context
	metrics *Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	items  []genRequest
	closed bool
	group  errgroup.Group
}

func newGenerationQueue(ctx context.Context, src world.ChunkSource, workers int, metrics *Metrics) *generationQueue {
	q := &generationQueue{src: src, ctx: ctx, metrics: metrics}
	q.cond = sync.NewCond(&q.mu)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.group.Go(q.work)
	}
	return q
}

// Submit appends reqs in order. Requests submitted after Close are dropped.
func (q *generationQueue) Submit(reqs ...genRequest) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, reqs...)
	depth := len(q.items)
	q.mu.Unlock()
	q.metrics.GenerationQueueDepth(depth)
	q.cond.Broadcast()
}

// Len returns the number of requests not yet picked up.
func (q *generationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *generationQueue) work() error {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		req := q.items[0]
		q.items[0] = genRequest{}
		q.items = q.items[1:]
		depth := len(q.items)
		q.mu.Unlock()

		q.metrics.GenerationQueueDepth(depth)
		q.process(req)
	}
}

func (q *generationQueue) process(req genRequest) {
	if req.pending != nil && req.pending.aborted.Load() {
		return
	}
	col, err := q.src.Column(q.ctx, req.key.World, req.key.Pos)
	if req.conn == nil {
		return
	}
	req.conn.deliver(genResponse{key: req.key, pending: req.pending, col: col, err: err})
}

// Close discards queued requests and waits for running ones to finish.
func (q *generationQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return q.group.Wait()
}
