package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestColumnSetAndGet(t *testing.T) {
	c := NewColumn(biomePlain)
	assert.Equal(t, uint16(0), c.Mask())

	c.SetBlock(3, 70, 9, Stone, 5)
	id, meta := c.Block(3, 70, 9)
	assert.Equal(t, Stone, id)
	assert.Equal(t, byte(5), meta)
	assert.Equal(t, uint16(1<<4), c.Mask())
	assert.Equal(t, 70, c.Highest(3, 9))

	// clearing the only block drops the section
	c.SetBlock(3, 70, 9, Air, 0)
	assert.Equal(t, uint16(0), c.Mask())
	assert.Equal(t, -1, c.Highest(3, 9))
}

func TestColumnOutOfRangeY(t *testing.T) {
	c := NewColumn(biomePlain)
	c.SetBlock(0, -1, 0, Stone, 0)
	c.SetBlock(0, Height, 0, Stone, 0)
	assert.Equal(t, uint16(0), c.Mask())
	id, _ := c.Block(0, Height, 0)
	assert.Equal(t, Air, id)
}

func TestWithBlockLeavesOriginalUntouched(t *testing.T) {
	c := NewColumn(biomePlain)
	c.SetBlock(1, 1, 1, Dirt, 0)
	c.SetBlock(1, 100, 1, Stone, 0)

	next := c.WithBlock(1, 1, 1, Sand, 0)

	id, _ := c.Block(1, 1, 1)
	assert.Equal(t, Dirt, id, "original column must not change")
	id, _ = next.Block(1, 1, 1)
	assert.Equal(t, Sand, id)

	assert.NotSame(t, c.Sections[0], next.Sections[0])
	assert.Same(t, c.Sections[6], next.Sections[6], "untouched sections are shared")
}

func TestMarshalSectionsLayout(t *testing.T) {
	c := NewColumn(biomePlain)
	c.SetBlock(0, 0, 0, Bedrock, 0)
	c.SetBlock(0, 33, 0, Stone, 0)

	mask, data := c.MarshalSections()
	assert.Equal(t, uint16(0b101), mask)
	require.Len(t, data, 2*sectionWireSize+biomeArea)

	assert.Equal(t, Bedrock, data[0])
	assert.Equal(t, Stone, data[sectionVolume+index(0, 33, 0)])
	assert.Equal(t, byte(biomePlain), data[len(data)-1])
}

func TestColumnBinaryRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewColumn(byte(rapid.IntRange(0, 255).Draw(t, "biome")))
		n := rapid.IntRange(0, 64).Draw(t, "n")
		for i := 0; i < n; i++ {
			c.SetBlock(
				rapid.IntRange(0, 15).Draw(t, "x"),
				rapid.IntRange(0, Height-1).Draw(t, "y"),
				rapid.IntRange(0, 15).Draw(t, "z"),
				byte(rapid.IntRange(0, 255).Draw(t, "id")),
				byte(rapid.IntRange(0, 15).Draw(t, "meta")),
			)
		}
		raw, err := c.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var out Column
		if err := out.UnmarshalBinary(raw); err != nil {
			t.Fatal(err)
		}
		if out.Mask() != c.Mask() {
			t.Fatalf("mask %b != %b", out.Mask(), c.Mask())
		}
		for i, s := range c.Sections {
			if s == nil {
				continue
			}
			if s.Blocks != out.Sections[i].Blocks || s.Meta != out.Sections[i].Meta {
				t.Fatalf("section %d differs", i)
			}
			if s.nonAir != out.Sections[i].nonAir {
				t.Fatalf("section %d count %d != %d", i, out.Sections[i].nonAir, s.nonAir)
			}
		}
	})
}

func TestUnmarshalRejectsWrongLength(t *testing.T) {
	var c Column
	assert.ErrorIs(t, c.UnmarshalBinary(nil), ErrCorruptColumn)
	assert.ErrorIs(t, c.UnmarshalBinary([]byte{0x00, 0x01, 0x00}), ErrCorruptColumn)
}

func TestTerrainGeneratorDeterministic(t *testing.T) {
	ctx := context.Background()
	a, err := NewTerrainGenerator("seed").Generate(ctx, ChunkPos{X: 3, Z: -2})
	require.NoError(t, err)
	b, err := NewTerrainGenerator("seed").Generate(ctx, ChunkPos{X: 3, Z: -2})
	require.NoError(t, err)

	ra, _ := a.MarshalBinary()
	rb, _ := b.MarshalBinary()
	assert.Equal(t, ra, rb)

	id, _ := a.Block(0, 0, 0)
	assert.Equal(t, Bedrock, id)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			assert.GreaterOrEqual(t, a.Highest(x, z), seaLevel)
		}
	}
}

func TestGeneratorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTerrainGenerator("x").Generate(ctx, ChunkPos{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = FlatGenerator{Surface: 4}.Generate(ctx, ChunkPos{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlatGenerator(t *testing.T) {
	c, err := FlatGenerator{Surface: 4}.Generate(context.Background(), ChunkPos{})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Highest(7, 7))
	id, _ := c.Block(7, 4, 7)
	assert.Equal(t, Grass, id)
	assert.Equal(t, uint16(1), c.Mask())
}

func TestChunkPosHelpers(t *testing.T) {
	assert.Equal(t, ChunkPos{X: -1, Z: 0}, ChunkAt(-1, 15))
	assert.Equal(t, ChunkPos{X: -1, Z: 1}, ChunkAtFloat(-0.5, 16.2))
	assert.Equal(t, int64(5), ChunkPos{}.DistSq(ChunkPos{X: 2, Z: -1}))
	assert.Equal(t, int32(3), ChunkPos{X: 1}.Chebyshev(ChunkPos{X: -2, Z: 2}))

	seen := map[ChunkPos]bool{}
	for _, n := range (ChunkPos{X: 5, Z: 5}).Neighbours() {
		assert.Equal(t, int32(1), n.Chebyshev(ChunkPos{X: 5, Z: 5}))
		seen[n] = true
	}
	assert.Len(t, seen, 8)
}
