package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownWorld = errors.New("unknown world")
	ErrOutOfBounds  = errors.New("position outside the world")
)

// ChunkSource fetches or generates the authoritative column at a position.
type ChunkSource interface {
	Column(ctx context.Context, world WorldID, pos ChunkPos) (*Column, error)
}

// BlockAccess reads and writes single blocks.
type BlockAccess interface {
	Block(ctx context.Context, world WorldID, pos BlockPos) (id, meta byte, err error)
	SetBlock(ctx context.Context, world WorldID, pos BlockPos, id, meta byte) error
}

// World is one dimension: its generator, its edits and a column cache.
type World struct {
	ID        WorldID
	Name      string
	Dimension int8

	gen   Generator
	store Store
	cache *ColumnCache

	// edits serialises read-modify-write of columns
	edits sync.Mutex
}

// Options configure a World.
type Options struct {
	Name      string
	Dimension int8
	Generator Generator
	Store     Store // nil keeps edits in the cache only
	CacheTTL  time.Duration
}

func newWorld(id WorldID, opts Options) *World {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &World{
		ID:        id,
		Name:      opts.Name,
		Dimension: opts.Dimension,
		gen:       opts.Generator,
		store:     opts.Store,
		cache:     NewColumnCache(ttl, ttl),
	}
}

// Column returns the column at pos, loading it from the store or the
// generator on a cache miss.
func (w *World) Column(ctx context.Context, pos ChunkPos) (*Column, error) {
	key := ChunkKey{World: w.ID, Pos: pos}
	return w.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*Column, error) {
		if w.store != nil {
			col, err := w.store.Load(key)
			if err == nil {
				return col, nil
			}
			if !errors.Is(err, ErrColumnNotFound) {
				return nil, fmt.Errorf("load %s: %w", key, err)
			}
		}
		return w.gen.Generate(ctx, pos)
	})
}

// Block returns the block at pos.
func (w *World) Block(ctx context.Context, pos BlockPos) (id, meta byte, err error) {
	if !pos.InBounds() {
		return Air, 0, ErrOutOfBounds
	}
	col, err := w.Column(ctx, pos.Chunk())
	if err != nil {
		return 0, 0, err
	}
	id, meta = col.Block(int(pos.X&15), int(pos.Y), int(pos.Z&15))
	return id, meta, nil
}

// SetBlock writes a block and persists the column. Readers holding the old
// column keep a consistent snapshot.
func (w *World) SetBlock(ctx context.Context, pos BlockPos, id, meta byte) error {
	if !pos.InBounds() {
		return ErrOutOfBounds
	}
	w.edits.Lock()
	defer w.edits.Unlock()

	key := ChunkKey{World: w.ID, Pos: pos.Chunk()}
	col, err := w.Column(ctx, key.Pos)
	if err != nil {
		return err
	}
	next := col.WithBlock(int(pos.X&15), int(pos.Y), int(pos.Z&15), id, meta)
	if w.store != nil {
		if err := w.store.Save(key, next); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	w.cache.Put(key, next)
	return nil
}

// Spawn returns the block above the surface at the centre of chunk (0,0).
func (w *World) Spawn(ctx context.Context) (BlockPos, error) {
	col, err := w.Column(ctx, ChunkPos{})
	if err != nil {
		return BlockPos{}, err
	}
	return BlockPos{X: 8, Y: int32(col.Highest(8, 8) + 1), Z: 8}, nil
}

// Cached returns the column at pos if it is in memory. It never loads.
func (w *World) Cached(pos ChunkPos) (*Column, bool) {
	return w.cache.Peek(ChunkKey{World: w.ID, Pos: pos})
}

// CachedColumns reports how many columns are held in memory.
func (w *World) CachedColumns() int { return w.cache.Len() }

// Worlds is the world arena. Connections refer to worlds by id only.
type Worlds struct {
	mu     sync.RWMutex
	worlds map[WorldID]*World
	nextID atomic.Uint32
}

func NewWorlds() *Worlds {
	return &Worlds{worlds: make(map[WorldID]*World)}
}

// Create registers a new world and returns it.
func (ws *Worlds) Create(opts Options) *World {
	id := WorldID(ws.nextID.Add(1))
	w := newWorld(id, opts)
	ws.mu.Lock()
	ws.worlds[id] = w
	ws.mu.Unlock()
	return w
}

// Get looks a world up by id.
func (ws *Worlds) Get(id WorldID) (*World, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	w, ok := ws.worlds[id]
	return w, ok
}

func (ws *Worlds) Column(ctx context.Context, id WorldID, pos ChunkPos) (*Column, error) {
	w, ok := ws.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorld, id)
	}
	return w.Column(ctx, pos)
}

// Cached returns the in-memory column at pos, if any.
func (ws *Worlds) Cached(id WorldID, pos ChunkPos) (*Column, bool) {
	w, ok := ws.Get(id)
	if !ok {
		return nil, false
	}
	return w.Cached(pos)
}

func (ws *Worlds) Block(ctx context.Context, id WorldID, pos BlockPos) (byte, byte, error) {
	w, ok := ws.Get(id)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownWorld, id)
	}
	return w.Block(ctx, pos)
}

func (ws *Worlds) SetBlock(ctx context.Context, id WorldID, pos BlockPos, blockID, meta byte) error {
	w, ok := ws.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorld, id)
	}
	return w.SetBlock(ctx, pos, blockID, meta)
}
