package world

import (
	"context"
	"math"
	"strconv"
)

// Generator produces the initial contents of a column. Implementations must
// be deterministic for a given seed and position and safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, pos ChunkPos) (*Column, error)
}

const (
	seaLevel   = 62
	baseHeight = 58
	biomePlain = 1
)

// TerrainGenerator is the reference generator: rolling layered-sine hills
// over stone, a water table at sea level and sparse trees seeded per chunk.
type TerrainGenerator struct {
	Seed string
}

func NewTerrainGenerator(seed string) *TerrainGenerator {
	return &TerrainGenerator{Seed: seed}
}

func (g *TerrainGenerator) Generate(ctx context.Context, pos ChunkPos) (*Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewColumn(biomePlain)
	offset := int(hashChunkSeed(0, 0, g.Seed) % 64)

	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			wx := int(pos.X)*16 + x
			wz := int(pos.Z)*16 + z
			h := g.SurfaceHeight(wx+offset, wz+offset)

			c.SetBlock(x, 0, z, Bedrock, 0)
			for y := 1; y <= h; y++ {
				switch {
				case y < h-3:
					c.SetBlock(x, y, z, Stone, 0)
				case y < h:
					c.SetBlock(x, y, z, Dirt, 0)
				case h < seaLevel:
					c.SetBlock(x, y, z, Sand, 0)
				default:
					c.SetBlock(x, y, z, Grass, 0)
				}
			}
			for y := h + 1; y <= seaLevel; y++ {
				c.SetBlock(x, y, z, Water, 0)
			}
		}
	}

	rng := makeMulberry32(hashChunkSeed(int(pos.X), int(pos.Z), g.Seed))
	trees := int(math.Floor(rng() * 3))
	for i := 0; i < trees; i++ {
		tx := 2 + int(math.Floor(rng()*12))
		tz := 2 + int(math.Floor(rng()*12))
		ground := c.Highest(tx, tz)
		if id, _ := c.Block(tx, ground, tz); id != Grass {
			continue
		}
		placeTree(c, tx, ground+1, tz, 4+int(math.Floor(rng()*2)))
	}
	return c, nil
}

// SurfaceHeight returns the terrain height at a world block coordinate.
func (g *TerrainGenerator) SurfaceHeight(x, z int) int {
	return baseHeight + int(layeredNoise(x, z)*12)
}

func placeTree(c *Column, x, y, z, trunk int) {
	top := y + trunk
	for dy := -2; dy <= 1; dy++ {
		r := 2
		if dy == 1 {
			r = 1
		}
		for dx := -r; dx <= r; dx++ {
			for dz := -r; dz <= r; dz++ {
				if id, _ := c.Block(x+dx, top+dy, z+dz); id == Air {
					c.SetBlock(x+dx, top+dy, z+dz, Leaves, 0)
				}
			}
		}
	}
	for dy := 0; dy < trunk; dy++ {
		c.SetBlock(x, y+dy, z, Log, 0)
	}
}

func layeredNoise(x, z int) float64 {
	coarse := (math.Sin(float64(x)*0.043+float64(z)*0.031) * 0.5) + 0.5
	detail := (math.Sin(float64(x)*0.19-float64(z)*0.17) * 0.5) + 0.5
	return (coarse * 0.72) + (detail * 0.28)
}

// hashChunkSeed is FNV-1a over "seed:x:z".
func hashChunkSeed(chunkX, chunkZ int, worldSeed string) uint32 {
	hash := uint32(2166136261)
	payload := worldSeed + ":" + strconv.Itoa(chunkX) + ":" + strconv.Itoa(chunkZ)
	for i := 0; i < len(payload); i++ {
		hash ^= uint32(payload[i])
		hash *= 16777619
	}
	return hash
}

func makeMulberry32(seed uint32) func() float64 {
	state := seed
	return func() float64 {
		state += 0x6d2b79f5
		t := imul32(state^(state>>15), 1|state)
		t ^= t + imul32(t^(t>>7), 61|t)
		return float64(t^(t>>14)) / 4294967296.0
	}
}

func imul32(a, b uint32) uint32 {
	return uint32(int32(a) * int32(b))
}

// FlatGenerator fills every column with bedrock, dirt and a grass top at
// Surface. Used in tests and for creative build worlds.
type FlatGenerator struct {
	Surface int
}

func (g FlatGenerator) Generate(ctx context.Context, pos ChunkPos) (*Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewColumn(biomePlain)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			c.SetBlock(x, 0, z, Bedrock, 0)
			for y := 1; y < g.Surface; y++ {
				c.SetBlock(x, y, z, Dirt, 0)
			}
			c.SetBlock(x, g.Surface, z, Grass, 0)
		}
	}
	return c, nil
}
