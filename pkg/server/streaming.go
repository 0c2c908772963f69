package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

// contextMargin is how far beyond the view radius context-only requests
// are remembered before the dedupe entry is forgotten.
const contextMargin = 2

// maxChunkAttempts bounds consecutive failed deliveries of one chunk before
// the connection is dropped.
const maxChunkAttempts = 3

// pendingRequest is an issued, unanswered delivery request. A response is
// applied only if the entry it carries is still the one in the pending set.
type pendingRequest struct {
	key     world.ChunkKey
	aborted atomic.Bool
}

// streamState holds the chunk sets of one connection.
//
// Invariant: every key in known is in world and within radius of center,
// the position of the last streaming pass.
type streamState struct {
	mu sync.Mutex

	world   world.WorldID
	center  world.ChunkPos // last streamed
	current world.ChunkPos // where the player is now
	radius  int32

	known   map[world.ChunkKey]struct{}
	pending map[world.ChunkKey]*pendingRequest
	context map[world.ChunkKey]struct{}

	// consecutive failed deliveries per chunk
	failures map[world.ChunkKey]int

	needChunks  bool
	joinPending bool
}

func newStreamState(radius int32) *streamState {
	return &streamState{
		radius:  radius,
		known:    make(map[world.ChunkKey]struct{}),
		pending:  make(map[world.ChunkKey]*pendingRequest),
		context:  make(map[world.ChunkKey]struct{}),
		failures: make(map[world.ChunkKey]int),
	}
}

func (st *streamState) knowsLocked(cx, cz int32) bool {
	_, ok := st.known[world.ChunkKey{World: st.world, Pos: world.ChunkPos{X: cx, Z: cz}}]
	return ok
}

// Knows reports whether the client holds the chunk at pos in its world.
func (st *streamState) Knows(pos world.ChunkPos) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.knowsLocked(pos.X, pos.Z)
}

// moveTo records the player's chunk and requests a pass when it changed.
func (st *streamState) moveTo(w world.WorldID, pos world.ChunkPos) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.world == w && st.current == pos {
		return false
	}
	st.world = w
	st.current = pos
	st.needChunks = true
	return true
}

// setRadius changes the view radius and requests a pass when it changed.
func (st *streamState) setRadius(r int32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.radius != r {
		st.radius = r
		st.needChunks = true
	}
}

// release aborts every pending request and forgets all chunks. It returns
// the number of requests aborted.
func (st *streamState) release() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.pending)
	for _, p := range st.pending {
		p.aborted.Store(true)
	}
	clear(st.pending)
	clear(st.known)
	clear(st.context)
	clear(st.failures)
	st.needChunks = false
	st.joinPending = false
	return n
}

// streamPlan is the outcome of one streaming pass.
type streamPlan struct {
	unloads  []world.ChunkPos
	aborted  int
	requests []genRequest
}

func (st *streamState) required(k world.ChunkKey) bool {
	return k.World == st.world && k.Pos.Chebyshev(st.center) <= st.radius
}

// wants reports whether r answers a live request for a required chunk.
func (st *streamState) wants(r genResponse) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.wantsLocked(r)
}

func (st *streamState) wantsLocked(r genResponse) bool {
	p, ok := st.pending[r.key]
	return ok && p == r.pending && !p.aborted.Load() && st.required(r.key)
}

// planLocked moves center to the current chunk, forgets what fell out of
// range and issues requests for everything missing, nearest first. Each
// delivery request is preceded by context-only requests for neighbours
// outside the required square, so terrain that spans chunk borders is
// generated before the chunk is sent.
func (st *streamState) planLocked() streamPlan {
	var plan streamPlan
	st.needChunks = false
	st.center = st.current

	for k := range st.known {
		if !st.required(k) {
			delete(st.known, k)
			plan.unloads = append(plan.unloads, k.Pos)
		}
	}
	for k, p := range st.pending {
		if !st.required(k) {
			p.aborted.Store(true)
			delete(st.pending, k)
			plan.aborted++
		}
	}
	for k := range st.context {
		if k.World != st.world || k.Pos.Chebyshev(st.center) > st.radius+contextMargin {
			delete(st.context, k)
		}
	}

	var missing []world.ChunkPos
	r := st.radius
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			pos := world.ChunkPos{X: st.center.X + dx, Z: st.center.Z + dz}
			k := world.ChunkKey{World: st.world, Pos: pos}
			if _, ok := st.known[k]; ok {
				continue
			}
			if _, ok := st.pending[k]; ok {
				continue
			}
			missing = append(missing, pos)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		di, dj := missing[i].DistSq(st.center), missing[j].DistSq(st.center)
		if di != dj {
			return di < dj
		}
		if missing[i].X != missing[j].X {
			return missing[i].X < missing[j].X
		}
		return missing[i].Z < missing[j].Z
	})

	for _, pos := range missing {
		for _, n := range pos.Neighbours() {
			if n.Chebyshev(st.center) <= r {
				continue
			}
			nk := world.ChunkKey{World: st.world, Pos: n}
			if _, ok := st.context[nk]; ok {
				continue
			}
			st.context[nk] = struct{}{}
			plan.requests = append(plan.requests, genRequest{key: nk})
		}
		k := world.ChunkKey{World: st.world, Pos: pos}
		p := &pendingRequest{key: k}
		st.pending[k] = p
		plan.requests = append(plan.requests, genRequest{key: k, pending: p})
	}
	return plan
}

// streamIfNeeded runs a streaming pass when a handler asked for one. It
// must run on the connection's executor.
func (c *Connection) streamIfNeeded() {
	st := c.stream
	st.mu.Lock()
	if !st.needChunks || c.State() != protocol.StatePlay {
		st.mu.Unlock()
		return
	}
	plan := st.planLocked()
	for _, pos := range plan.unloads {
		_ = c.sendLocked(protocol.UnloadChunk(pos.X, pos.Z))
	}
	// the home chunk may already be known after a short teleport
	if st.joinPending {
		if _, ok := st.known[world.ChunkKey{World: st.world, Pos: st.current}]; ok {
			st.joinPending = false
			c.sendPositionLocked()
		}
	}
	st.mu.Unlock()

	for i := range plan.requests {
		if plan.requests[i].pending != nil {
			plan.requests[i].conn = c
		}
	}
	c.srv.metrics.ChunksUnloaded(len(plan.unloads))
	c.srv.metrics.ChunksDiscarded(plan.aborted)
	c.srv.gen.Submit(plan.requests...)
	if len(plan.requests) > 0 {
		c.log.Debug("streaming pass",
			logger.F("requests", len(plan.requests)),
			logger.F("unloads", len(plan.unloads)),
			logger.F("aborted", plan.aborted))
	}
}

// deliver queues a generation response and schedules a pump on the
// executor. It is called from generation workers.
func (c *Connection) deliver(r genResponse) {
	c.respMu.Lock()
	c.responses = append(c.responses, r)
	schedule := !c.pumpScheduled
	c.pumpScheduled = true
	c.respMu.Unlock()
	if !schedule {
		return
	}
	if err := c.exec.Submit(c.pump); err != nil {
		c.respMu.Lock()
		c.responses = nil
		c.pumpScheduled = false
		c.respMu.Unlock()
	}
}

func (c *Connection) pump() {
	c.respMu.Lock()
	batch := c.responses
	c.responses = nil
	c.pumpScheduled = false
	c.respMu.Unlock()

	for _, r := range batch {
		if c.failing.Load() {
			return
		}
		c.applyResponse(r)
	}
}

// applyResponse sends the chunk of r if it is still wanted. The fresh
// column is fetched before the stream lock is taken; under the lock the
// cached snapshot replaces it when an edit landed in between, so block
// changes dropped while the chunk was unknown are still carried.
func (c *Connection) applyResponse(r genResponse) {
	if !c.stream.wants(r) {
		c.srv.metrics.ChunksDiscarded(1)
		return
	}
	col := r.col
	if r.err == nil {
		if fresh, err := c.srv.worlds.Column(c.srv.ctx, r.key.World, r.key.Pos); err == nil {
			col = fresh
		}
	}

	st := c.stream
	st.mu.Lock()
	if !st.wantsLocked(r) {
		st.mu.Unlock()
		c.srv.metrics.ChunksDiscarded(1)
		return
	}
	delete(st.pending, r.key)
	err := r.err
	if err == nil {
		if cached, ok := c.srv.worlds.Cached(r.key.World, r.key.Pos); ok {
			col = cached
		}
		err = c.sendChunkLocked(r.key, col)
	}
	if err == nil {
		delete(st.failures, r.key)
		st.mu.Unlock()
		return
	}

	// the chunk is still required, so the next pass asks for it again
	st.failures[r.key]++
	attempts := st.failures[r.key]
	giveUp := attempts >= maxChunkAttempts
	if !giveUp {
		st.needChunks = true
	}
	st.mu.Unlock()

	c.srv.metrics.ChunksDiscarded(1)
	if c.failing.Load() {
		return
	}
	c.log.Warn("chunk delivery failed",
		logger.F("chunk", r.key.String()),
		logger.F("attempt", attempts),
		logger.Err(err))
	if giveUp {
		c.Disconnect(fmt.Errorf("chunk %s unavailable: %w", r.key, err))
		return
	}
	_ = c.exec.Submit(c.streamIfNeeded)
}

// sendChunkLocked merges the overlays into col and queues it. The chunk
// counts as known once queued, and a pending join completes with it.
func (c *Connection) sendChunkLocked(key world.ChunkKey, col *world.Column) error {
	st := c.stream
	merged := world.Merge(col, c.srv.overlays, key.World, key.Pos)
	mask, data := merged.MarshalSections()
	msg, err := protocol.NewChunkData(key.Pos.X, key.Pos.Z, mask, data)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if err := c.sendLocked(msg); err != nil {
		return err
	}
	st.known[key] = struct{}{}
	c.srv.metrics.ChunkDelivered()

	if st.joinPending && key.Pos == st.current {
		st.joinPending = false
		c.sendPositionLocked()
	}
	return nil
}

// sendPositionLocked sends the authoritative position, which finalises a
// join or teleport on the client.
func (c *Connection) sendPositionLocked() {
	_ = c.sendLocked(&protocol.PositionLookMessage{
		X:     c.player.X,
		Y:     c.player.Y + eyeHeight,
		Z:     c.player.Z,
		Yaw:   c.player.Yaw,
		Pitch: c.player.Pitch,
	})
}

// invalidate forgets any of keys the client holds so the next pass resends
// them, and schedules that pass.
func (c *Connection) invalidate(keys []world.ChunkKey) {
	st := c.stream
	st.mu.Lock()
	hit := false
	for _, k := range keys {
		if _, ok := st.known[k]; ok {
			delete(st.known, k)
			hit = true
		}
	}
	if hit {
		st.needChunks = true
	}
	st.mu.Unlock()
	if hit {
		_ = c.exec.Submit(c.streamIfNeeded)
	}
}
