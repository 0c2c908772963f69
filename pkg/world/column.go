package world

import (
	"encoding/binary"
	"errors"
)

const (
	SectionsPerColumn = 16
	sectionVolume     = 16 * 16 * 16
	nibbleVolume      = sectionVolume / 2
	biomeArea         = 16 * 16

	// sectionWireSize is the per-section payload with sky light included.
	sectionWireSize = sectionVolume + 3*nibbleVolume
)

var ErrCorruptColumn = errors.New("corrupt column data")

// Block ids used by the server itself.
const (
	Air     byte = 0
	Stone   byte = 1
	Grass   byte = 2
	Dirt    byte = 3
	Bedrock byte = 7
	Water   byte = 9
	Sand    byte = 12
	Log     byte = 17
	Leaves  byte = 18
)

// Section is a 16×16×16 cube of blocks.
type Section struct {
	Blocks     [sectionVolume]byte
	Meta       [nibbleVolume]byte
	BlockLight [nibbleVolume]byte
	SkyLight   [nibbleVolume]byte
	nonAir     int
}

func newSection() *Section {
	s := &Section{}
	for i := range s.SkyLight {
		s.SkyLight[i] = 0xFF
	}
	return s
}

func index(x, y, z int) int { return (y&15)<<8 | (z&15)<<4 | x&15 }

func nibble(a *[nibbleVolume]byte, i int) byte {
	if i&1 == 0 {
		return a[i>>1] & 0x0F
	}
	return a[i>>1] >> 4
}

func setNibble(a *[nibbleVolume]byte, i int, v byte) {
	if i&1 == 0 {
		a[i>>1] = a[i>>1]&0xF0 | v&0x0F
	} else {
		a[i>>1] = a[i>>1]&0x0F | v<<4
	}
}

// Column is a full-height chunk column. A nil section is entirely air.
//
// Columns handed out by a World are shared between readers and must not be
// modified; World.SetBlock publishes a copy instead.
type Column struct {
	Sections [SectionsPerColumn]*Section
	Biomes   [biomeArea]byte
}

// NewColumn returns an all-air column with the given biome everywhere.
func NewColumn(biome byte) *Column {
	c := &Column{}
	for i := range c.Biomes {
		c.Biomes[i] = biome
	}
	return c
}

// Block returns the id and metadata at column-local coordinates.
func (c *Column) Block(x, y, z int) (id, meta byte) {
	if y < 0 || y >= Height {
		return Air, 0
	}
	s := c.Sections[y>>4]
	if s == nil {
		return Air, 0
	}
	i := index(x, y, z)
	return s.Blocks[i], nibble(&s.Meta, i)
}

// SetBlock writes a block in place. Only use on a column nobody else holds.
func (c *Column) SetBlock(x, y, z int, id, meta byte) {
	if y < 0 || y >= Height {
		return
	}
	s := c.Sections[y>>4]
	if s == nil {
		if id == Air {
			return
		}
		s = newSection()
		c.Sections[y>>4] = s
	}
	i := index(x, y, z)
	switch {
	case s.Blocks[i] == Air && id != Air:
		s.nonAir++
	case s.Blocks[i] != Air && id == Air:
		s.nonAir--
	}
	s.Blocks[i] = id
	setNibble(&s.Meta, i, meta)
	if s.nonAir == 0 {
		c.Sections[y>>4] = nil
	}
}

// WithBlock returns a copy of c with one block changed. Only the touched
// section is duplicated; the others are shared with c.
func (c *Column) WithBlock(x, y, z int, id, meta byte) *Column {
	out := *c
	if y >= 0 && y < Height {
		if s := c.Sections[y>>4]; s != nil {
			cp := *s
			out.Sections[y>>4] = &cp
		}
	}
	out.SetBlock(x, y, z, id, meta)
	return &out
}

// Highest returns the y of the topmost non-air block at (x, z), or -1.
func (c *Column) Highest(x, z int) int {
	for sy := SectionsPerColumn - 1; sy >= 0; sy-- {
		s := c.Sections[sy]
		if s == nil {
			continue
		}
		for y := 15; y >= 0; y-- {
			if s.Blocks[index(x, y, z)] != Air {
				return sy<<4 | y
			}
		}
	}
	return -1
}

// Mask returns the bitmask of non-empty sections.
func (c *Column) Mask() uint16 {
	var m uint16
	for i, s := range c.Sections {
		if s != nil {
			m |= 1 << i
		}
	}
	return m
}

// MarshalSections produces the uncompressed chunk payload for a ground-up
// column: every block array, then metadata, block light and sky light for
// the sections in the mask, then biomes.
func (c *Column) MarshalSections() (mask uint16, data []byte) {
	mask = c.Mask()
	n := 0
	for _, s := range c.Sections {
		if s != nil {
			n++
		}
	}
	data = make([]byte, 0, n*sectionWireSize+biomeArea)
	for _, s := range c.Sections {
		if s != nil {
			data = append(data, s.Blocks[:]...)
		}
	}
	for _, s := range c.Sections {
		if s != nil {
			data = append(data, s.Meta[:]...)
		}
	}
	for _, s := range c.Sections {
		if s != nil {
			data = append(data, s.BlockLight[:]...)
		}
	}
	for _, s := range c.Sections {
		if s != nil {
			data = append(data, s.SkyLight[:]...)
		}
	}
	data = append(data, c.Biomes[:]...)
	return mask, data
}

// MarshalBinary encodes the column for storage: the section mask followed
// by the MarshalSections payload.
func (c *Column) MarshalBinary() ([]byte, error) {
	mask, data := c.MarshalSections()
	out := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(out, mask)
	return append(out, data...), nil
}

// UnmarshalBinary decodes a column written by MarshalBinary.
func (c *Column) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return ErrCorruptColumn
	}
	mask := binary.BigEndian.Uint16(b)
	b = b[2:]

	var present []int
	for i := 0; i < SectionsPerColumn; i++ {
		if mask&(1<<i) != 0 {
			present = append(present, i)
		}
	}
	if len(b) != len(present)*sectionWireSize+biomeArea {
		return ErrCorruptColumn
	}

	*c = Column{}
	for _, i := range present {
		c.Sections[i] = &Section{}
	}
	take := func(dst []byte) {
		copy(dst, b)
		b = b[len(dst):]
	}
	for _, i := range present {
		take(c.Sections[i].Blocks[:])
	}
	for _, i := range present {
		take(c.Sections[i].Meta[:])
	}
	for _, i := range present {
		take(c.Sections[i].BlockLight[:])
	}
	for _, i := range present {
		take(c.Sections[i].SkyLight[:])
	}
	take(c.Biomes[:])

	for _, i := range present {
		s := c.Sections[i]
		for _, id := range s.Blocks {
			if id != Air {
				s.nonAir++
			}
		}
	}
	return nil
}
