package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

var errNameTaken = errors.New("player already online")

// Registry is the connection arena, keyed by connection id. Cross-connection
// effects go through it and only ever call Enqueue on other connections.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uint32]*Connection
	names   map[string]*Connection // lower-cased player name -> Play connection
	nextID  atomic.Uint32
	metrics *Metrics
}

func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[uint32]*Connection),
		names:   make(map[string]*Connection),
		metrics: metrics,
	}
}

// NextID allocates a connection id. Ids start at 1.
func (r *Registry) NextID() uint32 {
	return r.nextID.Add(1)
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.ActiveConnections(n)
}

// Remove drops c and frees its player name.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c.ID)
	if name := c.Name(); name != "" {
		if r.names[strings.ToLower(name)] == c {
			delete(r.names, strings.ToLower(name))
		}
	}
	n, players := len(r.conns), len(r.names)
	r.mu.Unlock()
	r.metrics.ActiveConnections(n)
	r.metrics.OnlinePlayers(players)
}

// Claim reserves name for c. It fails with ErrServerFull when max players
// are online and with errNameTaken when the name is in use.
func (r *Registry) Claim(c *Connection, name string, max int) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	if _, ok := r.names[key]; ok {
		r.mu.Unlock()
		return errNameTaken
	}
	if max > 0 && len(r.names) >= max {
		r.mu.Unlock()
		return ErrServerFull
	}
	r.names[key] = c
	players := len(r.names)
	r.mu.Unlock()
	r.metrics.OnlinePlayers(players)
	return nil
}

func (r *Registry) Get(id uint32) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ByName finds an online player, ignoring case.
func (r *Registry) ByName(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.names[strings.ToLower(name)]
	return c, ok
}

// All returns every connection, in any state.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Players returns the connections that completed login, ordered by id.
func (r *Registry) Players() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.names))
	for _, c := range r.names {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlayerCount returns the number of players online.
func (r *Registry) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast enqueues p on every player except the one with id except.
func (r *Registry) Broadcast(p *protocol.Packet, except uint32) {
	for _, c := range r.Players() {
		if c.ID == except || !c.joined.Load() || c.failing.Load() {
			continue
		}
		_ = c.Enqueue(p)
	}
}

// BroadcastWorld enqueues p on the players streaming w. Block updates are
// filtered per connection by the chunks it holds.
func (r *Registry) BroadcastWorld(w world.WorldID, p *protocol.Packet, except uint32) {
	for _, c := range r.Players() {
		if c.ID == except || !c.joined.Load() || c.failing.Load() {
			continue
		}
		c.stream.mu.Lock()
		in := c.stream.world == w
		c.stream.mu.Unlock()
		if in {
			_ = c.Enqueue(p)
		}
	}
}
