// Package world holds the block data a server streams to its clients: chunk
// columns, the reference terrain generator, the generated-column cache, the
// persistent column store and the edit-preview overlay registry.
package world

import "fmt"

// WorldID identifies a world in the server's world arena.
type WorldID uint32

// ChunkPos is a chunk column coordinate (block coordinate >> 4).
type ChunkPos struct {
	X, Z int32
}

func (p ChunkPos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Z) }

// DistSq returns the squared planar distance between two chunk coordinates.
func (p ChunkPos) DistSq(o ChunkPos) int64 {
	dx := int64(p.X - o.X)
	dz := int64(p.Z - o.Z)
	return dx*dx + dz*dz
}

// Chebyshev returns max(|dx|, |dz|), the distance that defines view radius.
func (p ChunkPos) Chebyshev(o ChunkPos) int32 {
	dx := p.X - o.X
	if dx < 0 {
		dx = -dx
	}
	dz := p.Z - o.Z
	if dz < 0 {
		dz = -dz
	}
	return max(dx, dz)
}

// Neighbours returns the eight coordinates surrounding p.
func (p ChunkPos) Neighbours() [8]ChunkPos {
	return [8]ChunkPos{
		{p.X - 1, p.Z - 1}, {p.X, p.Z - 1}, {p.X + 1, p.Z - 1},
		{p.X - 1, p.Z}, {p.X + 1, p.Z},
		{p.X - 1, p.Z + 1}, {p.X, p.Z + 1}, {p.X + 1, p.Z + 1},
	}
}

// ChunkKey names a column across worlds.
type ChunkKey struct {
	World WorldID
	Pos   ChunkPos
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.World, k.Pos.X, k.Pos.Z)
}

// ChunkAt returns the column containing the block at (x, z).
func ChunkAt(x, z int32) ChunkPos {
	return ChunkPos{X: x >> 4, Z: z >> 4}
}

// ChunkAtFloat returns the column containing a world-space position.
func ChunkAtFloat(x, z float64) ChunkPos {
	return ChunkAt(floorInt32(x), floorInt32(z))
}

func floorInt32(v float64) int32 {
	i := int32(v)
	if float64(i) > v {
		i--
	}
	return i
}

// BlockPos is an absolute block coordinate.
type BlockPos struct {
	X int32
	Y int32
	Z int32
}

// Height is the world's vertical extent in blocks.
const Height = 256

// InBounds reports whether y lies inside the world.
func (b BlockPos) InBounds() bool { return b.Y >= 0 && b.Y < Height }

// Chunk returns the column containing b.
func (b BlockPos) Chunk() ChunkPos { return ChunkAt(b.X, b.Z) }

// Offset returns b moved one block towards face (0 -Y, 1 +Y, 2 -Z, 3 +Z,
// 4 -X, 5 +X). Other values leave b unchanged.
func (b BlockPos) Offset(face int8) BlockPos {
	switch face {
	case 0:
		b.Y--
	case 1:
		b.Y++
	case 2:
		b.Z--
	case 3:
		b.Z++
	case 4:
		b.X--
	case 5:
		b.X++
	}
	return b
}
