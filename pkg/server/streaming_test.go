package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

func plan(st *streamState, to world.ChunkPos) streamPlan {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = to
	st.needChunks = true
	return st.planLocked()
}

// split separates delivery requests from context-only ones.
func split(reqs []genRequest) (deliveries, contexts []world.ChunkPos) {
	for _, r := range reqs {
		if r.pending != nil {
			deliveries = append(deliveries, r.key.Pos)
		} else {
			contexts = append(contexts, r.key.Pos)
		}
	}
	return deliveries, contexts
}

// deliverAll marks every pending request as answered and known.
func deliverAll(st *streamState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k := range st.pending {
		st.known[k] = struct{}{}
		delete(st.pending, k)
	}
}

func TestPlanRequestsNearestFirst(t *testing.T) {
	st := newStreamState(1)
	p := plan(st, world.ChunkPos{})

	deliveries, contexts := split(p.requests)
	require.Len(t, deliveries, 9)
	assert.Len(t, contexts, 16, "the ring around the square is generated for context")
	assert.Empty(t, p.unloads)
	assert.Zero(t, p.aborted)

	assert.Equal(t, world.ChunkPos{}, deliveries[0])
	for i := 1; i < len(deliveries); i++ {
		assert.LessOrEqual(t, deliveries[i-1].DistSq(world.ChunkPos{}), deliveries[i].DistSq(world.ChunkPos{}))
	}

	// every neighbour outside the square is requested before the delivery
	// that borders it
	seen := make(map[world.ChunkPos]bool)
	for _, r := range p.requests {
		if r.pending == nil {
			seen[r.key.Pos] = true
			continue
		}
		for _, n := range r.key.Pos.Neighbours() {
			if n.Chebyshev(world.ChunkPos{}) > 1 {
				assert.True(t, seen[n], "context %v missing before %v", n, r.key.Pos)
			}
		}
	}
}

func TestPlanSkipsPendingRequests(t *testing.T) {
	st := newStreamState(1)
	plan(st, world.ChunkPos{})

	p := plan(st, world.ChunkPos{})
	assert.Empty(t, p.requests)
	assert.Zero(t, p.aborted)
}

func TestPlanAfterMove(t *testing.T) {
	st := newStreamState(1)
	plan(st, world.ChunkPos{})
	deliverAll(st)

	p := plan(st, world.ChunkPos{X: 1})
	assert.ElementsMatch(t, []world.ChunkPos{{X: -1, Z: -1}, {X: -1}, {X: -1, Z: 1}}, p.unloads)

	deliveries, contexts := split(p.requests)
	assert.ElementsMatch(t, []world.ChunkPos{{X: 2, Z: -1}, {X: 2}, {X: 2, Z: 1}}, deliveries)
	assert.ElementsMatch(t, []world.ChunkPos{
		{X: 3, Z: -2}, {X: 3, Z: -1}, {X: 3}, {X: 3, Z: 1}, {X: 3, Z: 2},
	}, contexts)
	assert.False(t, st.Knows(world.ChunkPos{X: -1}))
	assert.True(t, st.Knows(world.ChunkPos{X: 1}))
}

func TestPlanAbortsOutOfRangeRequests(t *testing.T) {
	st := newStreamState(1)
	first := plan(st, world.ChunkPos{})

	p := plan(st, world.ChunkPos{X: 1})
	assert.Equal(t, 3, p.aborted)
	assert.Empty(t, p.unloads, "nothing was delivered yet")

	aborted := 0
	for _, r := range first.requests {
		if r.pending != nil && r.pending.aborted.Load() {
			aborted++
			assert.Equal(t, int32(-1), r.key.Pos.X)
		}
	}
	assert.Equal(t, 3, aborted)

	deliveries, _ := split(p.requests)
	assert.Len(t, deliveries, 3)
}

func TestPlanPrunesDistantContext(t *testing.T) {
	st := newStreamState(1)
	plan(st, world.ChunkPos{})
	deliverAll(st)
	plan(st, world.ChunkPos{X: 10})

	st.mu.Lock()
	defer st.mu.Unlock()
	for k := range st.context {
		assert.LessOrEqual(t, k.Pos.Chebyshev(world.ChunkPos{X: 10}), int32(1+contextMargin))
	}
	assert.Empty(t, st.known)
}

func TestPlanKnownStaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		radius := rapid.Int32Range(0, 4).Draw(t, "radius")
		st := newStreamState(radius)
		moves := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) world.ChunkPos {
			return world.ChunkPos{
				X: rapid.Int32Range(-6, 6).Draw(t, "x"),
				Z: rapid.Int32Range(-6, 6).Draw(t, "z"),
			}
		}), 1, 12).Draw(t, "moves")

		for i, to := range moves {
			plan(st, to)
			if i%2 == 0 {
				deliverAll(st)
			}
			st.mu.Lock()
			for k := range st.known {
				if k.Pos.Chebyshev(st.center) > st.radius {
					t.Fatalf("known chunk %v outside radius %d of %v", k.Pos, st.radius, st.center)
				}
			}
			for k, p := range st.pending {
				if p.aborted.Load() {
					t.Fatalf("aborted request %v still pending", k.Pos)
				}
			}
			st.mu.Unlock()
		}
	})
}

func TestRelease(t *testing.T) {
	st := newStreamState(1)
	first := plan(st, world.ChunkPos{})

	assert.Equal(t, 9, st.release())
	for _, r := range first.requests {
		if r.pending != nil {
			assert.True(t, r.pending.aborted.Load())
		}
	}
	p := plan(st, world.ChunkPos{})
	deliveries, _ := split(p.requests)
	assert.Len(t, deliveries, 9)
}

func joinStreaming(t *testing.T, c *Connection) {
	t.Helper()
	c.setState(protocol.StatePlay)
	c.player.X, c.player.Y, c.player.Z = 8.5, 5, 8.5
	c.stream.mu.Lock()
	c.stream.world = c.srv.world.ID
	c.stream.current = world.ChunkPos{}
	c.stream.joinPending = true
	c.stream.needChunks = true
	c.stream.mu.Unlock()
}

func TestApplyResponse(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	joinStreaming(t, c)

	c.stream.mu.Lock()
	p := c.stream.planLocked()
	c.stream.mu.Unlock()

	var home, edge genRequest
	for _, r := range p.requests {
		switch {
		case r.pending == nil:
		case r.key.Pos == (world.ChunkPos{}):
			home = r
		case r.key.Pos == (world.ChunkPos{X: 2, Z: 2}):
			edge = r
		}
	}
	require.NotNil(t, home.pending)
	require.NotNil(t, edge.pending)

	c.applyResponse(genResponse{key: edge.key, pending: edge.pending})
	out := queued(t, c)
	require.Len(t, out, 1)
	assert.Equal(t, int32(protocol.TypeChunkData), out[0].ID)

	c.applyResponse(genResponse{key: home.key, pending: home.pending})
	out = queued(t, c)
	require.Equal(t, []int32{protocol.TypeChunkData, protocol.TypePositionLookCB}, opcodes(out))
	var pos protocol.PositionLookMessage
	require.NoError(t, protocol.Unmarshal(out[1], &pos))
	assert.InDelta(t, 5+eyeHeight, pos.Y, 1e-9)

	// a duplicate response finds nothing pending
	c.applyResponse(genResponse{key: home.key, pending: home.pending})
	assert.Empty(t, queued(t, c))
}

func TestApplyResponseDiscardsAborted(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	joinStreaming(t, c)

	c.stream.mu.Lock()
	p := c.stream.planLocked()
	c.stream.mu.Unlock()

	var far genRequest
	for _, r := range p.requests {
		if r.pending != nil && r.key.Pos == (world.ChunkPos{X: -2}) {
			far = r
		}
	}
	require.NotNil(t, far.pending)

	plan(c.stream, world.ChunkPos{X: 1})
	require.True(t, far.pending.aborted.Load())

	c.applyResponse(genResponse{key: far.key, pending: far.pending})
	assert.Empty(t, queued(t, c))
	assert.False(t, c.stream.Knows(world.ChunkPos{X: -2}))
}

func homeRequest(t *testing.T, p streamPlan) genRequest {
	t.Helper()
	for _, r := range p.requests {
		if r.pending != nil && r.key.Pos == (world.ChunkPos{}) {
			return r
		}
	}
	t.Fatal("no delivery request for the home chunk")
	return genRequest{}
}

func TestApplyResponseRetriesFailedChunk(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	joinStreaming(t, c)

	c.stream.mu.Lock()
	home := homeRequest(t, c.stream.planLocked())
	c.stream.mu.Unlock()

	c.applyResponse(genResponse{key: home.key, pending: home.pending, err: errors.New("disk hiccup")})

	// the follow-up pass asks for the home chunk again and the join completes
	require.Eventually(t, func() bool { return c.stream.Knows(home.key.Pos) }, 10*time.Second, 10*time.Millisecond)
	out := queued(t, c)
	assert.Equal(t, []int32{protocol.TypeChunkData, protocol.TypePositionLookCB}, opcodes(out))

	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	assert.False(t, c.stream.joinPending)
	assert.Empty(t, c.stream.failures)
	assert.Len(t, c.stream.pending, 24, "the other requests were never answered")
}

func TestApplyResponseGivesUpAfterRepeatedFailures(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	joinStreaming(t, c)

	c.stream.mu.Lock()
	home := homeRequest(t, c.stream.planLocked())
	c.stream.failures[home.key] = maxChunkAttempts - 1
	c.stream.mu.Unlock()

	c.applyResponse(genResponse{key: home.key, pending: home.pending, err: errors.New("disk gone")})

	assert.True(t, c.failing.Load())
	require.Error(t, c.Cause())
	assert.Contains(t, c.Cause().Error(), "unavailable")
	c.stream.mu.Lock()
	assert.False(t, c.stream.needChunks)
	c.stream.mu.Unlock()
	assert.False(t, c.stream.Knows(home.key.Pos))
}

// gatedGenerator blocks its first Generate call until release is closed.
type gatedGenerator struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGenerator) Generate(ctx context.Context, pos world.ChunkPos) (*world.Column, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return world.NewColumn(0), nil
}

func TestApplyResponseLoadsOutsideStreamLock(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	gate := &gatedGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	w := srv.worlds.Create(world.Options{Name: "gated", Generator: gate})
	joinStreaming(t, c)

	c.stream.mu.Lock()
	c.stream.world = w.ID
	home := homeRequest(t, c.stream.planLocked())
	c.stream.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.applyResponse(genResponse{key: home.key, pending: home.pending, col: world.NewColumn(0)})
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("column load never started")
	}

	// broadcasts from other connections must not wait on the load
	free := make(chan struct{})
	go func() {
		c.stream.Knows(world.ChunkPos{X: 1})
		close(free)
	}()
	select {
	case <-free:
	case <-time.After(2 * time.Second):
		t.Fatal("stream lock held while the column loads")
	}

	// an edit that lands after the load but before delivery is carried
	c.stream.mu.Lock()
	close(gate.release)
	err := w.SetBlock(context.Background(), world.BlockPos{X: 3, Y: 40, Z: 3}, world.Stone, 0)
	c.stream.mu.Unlock()
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("response never applied")
	}
	out := queued(t, c)
	require.Equal(t, []int32{protocol.TypeChunkData, protocol.TypePositionLookCB}, opcodes(out))
	var chunk protocol.ChunkDataMessage
	require.NoError(t, protocol.Unmarshal(out[0], &chunk))
	assert.Equal(t, uint16(1<<2), chunk.PrimaryMask)
	assert.True(t, c.stream.Knows(world.ChunkPos{}))
}

func knownCount(st *streamState) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.known)
}

func TestStreamingPipeline(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	joinStreaming(t, c)

	require.NoError(t, c.exec.Submit(c.streamIfNeeded))
	require.Eventually(t, func() bool { return knownCount(c.stream) == 25 }, 10*time.Second, 10*time.Millisecond)

	var chunks, positions int
	for _, p := range queued(t, c) {
		switch p.ID {
		case protocol.TypeChunkData:
			chunks++
		case protocol.TypePositionLookCB:
			positions++
		}
	}
	assert.Equal(t, 25, chunks)
	assert.Equal(t, 1, positions)

	target := world.ChunkKey{World: srv.world.ID, Pos: world.ChunkPos{X: 1, Z: -1}}
	c.invalidate([]world.ChunkKey{target})
	require.Eventually(t, func() bool { return c.stream.Knows(target.Pos) }, 10*time.Second, 10*time.Millisecond)

	resent := 0
	for _, p := range queued(t, c) {
		if p.ID != protocol.TypeChunkData {
			continue
		}
		var chunk protocol.ChunkDataMessage
		require.NoError(t, protocol.Unmarshal(p, &chunk))
		assert.Equal(t, target.Pos, world.ChunkPos{X: chunk.X, Z: chunk.Z})
		resent++
	}
	assert.Equal(t, 1, resent)
}
