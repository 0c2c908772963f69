package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGenerator struct {
	inner Generator
	calls atomic.Int32
	delay time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, pos ChunkPos) (*Column, error) {
	g.calls.Add(1)
	time.Sleep(g.delay)
	return g.inner.Generate(ctx, pos)
}

func TestColumnCacheSharesConcurrentLoads(t *testing.T) {
	c := NewColumnCache(time.Minute, time.Minute)
	var loads atomic.Int32
	key := ChunkKey{World: 1, Pos: ChunkPos{X: 4, Z: 4}}

	var wg sync.WaitGroup
	results := make([]*Column, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			col, err := c.GetOrLoad(context.Background(), key, func(context.Context) (*Column, error) {
				loads.Add(1)
				time.Sleep(20 * time.Millisecond)
				return NewColumn(1), nil
			})
			assert.NoError(t, err)
			results[i] = col
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, col := range results {
		assert.Same(t, results[0], col)
	}
	_, ok := c.Peek(key)
	assert.True(t, ok)
}

func TestColumnCacheDoesNotStoreFailures(t *testing.T) {
	c := NewColumnCache(time.Minute, time.Minute)
	key := ChunkKey{World: 1}
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), key, func(context.Context) (*Column, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()

	key := ChunkKey{World: 2, Pos: ChunkPos{X: -7, Z: 12}}
	_, err = s.Load(key)
	assert.ErrorIs(t, err, ErrColumnNotFound)

	col, err := FlatGenerator{Surface: 10}.Generate(context.Background(), key.Pos)
	require.NoError(t, err)
	col.SetBlock(5, 200, 5, Log, 2)
	require.NoError(t, s.Save(key, col))

	got, err := s.Load(key)
	require.NoError(t, err)
	want, _ := col.MarshalBinary()
	have, _ := got.MarshalBinary()
	assert.Equal(t, want, have)
}

func TestColumnCompression(t *testing.T) {
	col, _ := FlatGenerator{Surface: 3}.Generate(context.Background(), ChunkPos{})
	raw, _ := col.MarshalBinary()

	v := compressColumn(raw)
	assert.Less(t, len(v), len(raw))
	out, err := decompressColumn(v)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	// incompressible input is stored with a zero size prefix
	small := []byte{1}
	v = compressColumn(small)
	assert.Equal(t, []byte{0, 0, 0, 0, 1}, v)
	out, err = decompressColumn(v)
	require.NoError(t, err)
	assert.Equal(t, small, out)

	_, err = decompressColumn([]byte{0, 1})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)
	_, err = decompressColumn([]byte{0, 0, 0, 8, 0xFF})
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestWorldSetBlockPublishesNewColumn(t *testing.T) {
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	gen := &countingGenerator{inner: FlatGenerator{Surface: 4}}
	ws := NewWorlds()
	w := ws.Create(Options{Name: "overworld", Generator: gen, Store: store})

	before, err := ws.Column(ctx, w.ID, ChunkPos{})
	require.NoError(t, err)

	pos := BlockPos{X: 2, Y: 5, Z: 3}
	require.NoError(t, ws.SetBlock(ctx, w.ID, pos, Stone, 0))

	id, _, err := ws.Block(ctx, w.ID, pos)
	require.NoError(t, err)
	assert.Equal(t, Stone, id)

	id, _ = before.Block(2, 5, 3)
	assert.Equal(t, Air, id, "snapshot taken before the edit is unchanged")

	// the edit survives a cache flush through the store
	w.cache.Flush()
	id, _, err = w.Block(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, Stone, id)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestWorldRejectsOutOfBounds(t *testing.T) {
	ws := NewWorlds()
	w := ws.Create(Options{Generator: FlatGenerator{Surface: 4}})
	ctx := context.Background()

	assert.ErrorIs(t, w.SetBlock(ctx, BlockPos{Y: Height}, Stone, 0), ErrOutOfBounds)
	_, _, err := w.Block(ctx, BlockPos{Y: -1})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = ws.Column(ctx, w.ID+1, ChunkPos{})
	assert.ErrorIs(t, err, ErrUnknownWorld)
}

func TestWorldSpawn(t *testing.T) {
	ws := NewWorlds()
	w := ws.Create(Options{Generator: FlatGenerator{Surface: 4}})
	spawn, err := w.Spawn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BlockPos{X: 8, Y: 5, Z: 8}, spawn)
}

func TestOverlaysSetReplacesPrevious(t *testing.T) {
	o := NewOverlays()
	touched := o.Set(7, 1, []Preview{
		{Pos: BlockPos{X: 1, Y: 10, Z: 1}, ID: Stone},
		{Pos: BlockPos{X: 17, Y: 10, Z: 1}, ID: Stone},
		{Pos: BlockPos{X: 1, Y: 300, Z: 1}, ID: Stone},
	})
	assert.ElementsMatch(t, []ChunkKey{
		{World: 1, Pos: ChunkPos{X: 0, Z: 0}},
		{World: 1, Pos: ChunkPos{X: 1, Z: 0}},
	}, touched)

	touched = o.Set(7, 1, []Preview{{Pos: BlockPos{X: 40, Y: 10, Z: 1}, ID: Sand}})
	assert.Len(t, touched, 3, "old chunks and the new one")
	assert.Empty(t, o.Previews(1, ChunkPos{}))
	assert.Len(t, o.Previews(1, ChunkPos{X: 2}), 1)

	assert.Len(t, o.Clear(7), 1)
	assert.Empty(t, o.Previews(1, ChunkPos{X: 2}))
	assert.Empty(t, o.Clear(7))
}

func TestMergeCopiesOnWrite(t *testing.T) {
	col, _ := FlatGenerator{Surface: 4}.Generate(context.Background(), ChunkPos{})
	o := NewOverlays()

	assert.Same(t, col, Merge(col, o, 1, ChunkPos{}), "no previews returns the column itself")
	assert.Same(t, col, Merge(col, nil, 1, ChunkPos{}))

	o.Set(1, 1, []Preview{
		{Pos: BlockPos{X: 2, Y: 4, Z: 2}, ID: Sand},
		{Pos: BlockPos{X: 2, Y: 40, Z: 2}, ID: Log},
	})
	merged := Merge(col, o, 1, ChunkPos{})

	id, _ := merged.Block(2, 4, 2)
	assert.Equal(t, Sand, id)
	id, _ = merged.Block(2, 40, 2)
	assert.Equal(t, Log, id)

	id, _ = col.Block(2, 4, 2)
	assert.Equal(t, Grass, id)
	assert.Nil(t, col.Sections[2])
}
