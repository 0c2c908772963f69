package world

import "sync"

// Preview is a block shown to clients without being written to the world,
// such as the outline of an edit that has not been committed yet.
type Preview struct {
	Pos  BlockPos
	ID   byte
	Meta byte
}

// OverlaySource supplies the previews that apply to one column.
type OverlaySource interface {
	Previews(world WorldID, pos ChunkPos) []Preview
}

// Overlays is the in-memory preview registry. Each owner (typically a
// connection id) holds an independent set of previews that is replaced
// atomically.
type Overlays struct {
	mu      sync.RWMutex
	byChunk map[ChunkKey]map[uint32][]Preview
	owned   map[uint32][]ChunkKey
}

func NewOverlays() *Overlays {
	return &Overlays{
		byChunk: make(map[ChunkKey]map[uint32][]Preview),
		owned:   make(map[uint32][]ChunkKey),
	}
}

// Set replaces every preview held by owner and returns the chunks whose
// overlay changed (old and new), so callers can resend them.
func (o *Overlays) Set(owner uint32, world WorldID, previews []Preview) []ChunkKey {
	o.mu.Lock()
	defer o.mu.Unlock()

	touched := o.clearLocked(owner)
	if len(previews) == 0 {
		return touched
	}
	grouped := make(map[ChunkKey][]Preview)
	for _, p := range previews {
		if !p.Pos.InBounds() {
			continue
		}
		k := ChunkKey{World: world, Pos: p.Pos.Chunk()}
		grouped[k] = append(grouped[k], p)
	}
	for k, ps := range grouped {
		m := o.byChunk[k]
		if m == nil {
			m = make(map[uint32][]Preview)
			o.byChunk[k] = m
		}
		m[owner] = ps
		o.owned[owner] = append(o.owned[owner], k)
		touched = append(touched, k)
	}
	return touched
}

// Clear removes all previews held by owner and returns the affected chunks.
func (o *Overlays) Clear(owner uint32) []ChunkKey {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clearLocked(owner)
}

func (o *Overlays) clearLocked(owner uint32) []ChunkKey {
	keys := o.owned[owner]
	for _, k := range keys {
		if m := o.byChunk[k]; m != nil {
			delete(m, owner)
			if len(m) == 0 {
				delete(o.byChunk, k)
			}
		}
	}
	delete(o.owned, owner)
	return keys
}

func (o *Overlays) Previews(world WorldID, pos ChunkPos) []Preview {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m := o.byChunk[ChunkKey{World: world, Pos: pos}]
	if len(m) == 0 {
		return nil
	}
	var out []Preview
	for _, ps := range m {
		out = append(out, ps...)
	}
	return out
}

// Merge returns col with the previews for (world, pos) applied. When there
// are none col itself is returned; otherwise only touched sections are
// copied.
func Merge(col *Column, src OverlaySource, world WorldID, pos ChunkPos) *Column {
	if src == nil {
		return col
	}
	previews := src.Previews(world, pos)
	if len(previews) == 0 {
		return col
	}
	out := *col
	var copied [SectionsPerColumn]bool
	for _, p := range previews {
		if p.Pos.Chunk() != pos || !p.Pos.InBounds() {
			continue
		}
		sy := p.Pos.Y >> 4
		if !copied[sy] {
			if s := out.Sections[sy]; s != nil {
				cp := *s
				out.Sections[sy] = &cp
			}
			copied[sy] = true
		}
		out.SetBlock(int(p.Pos.X&15), int(p.Pos.Y), int(p.Pos.Z&15), p.ID, p.Meta)
	}
	return &out
}
