package server

import "github.com/aeolun/voxelgate/pkg/protocol"

// ChainPolicy decides how the reader groups consecutive Play frames into
// chains. A chain is executed as one task on the connection's executor.
type ChainPolicy struct {
	// SplitOnOpcodeChange ends the current chain when a frame with a
	// different opcode arrives. When false every frame is its own chain.
	SplitOnOpcodeChange bool

	// Terminal reports whether p completes the chain it was appended to.
	Terminal func(p *protocol.Packet) bool
}

// DefaultChainPolicy groups runs of equal opcodes and closes a chain at the
// end of an inventory drag-paint gesture.
func DefaultChainPolicy() ChainPolicy {
	return ChainPolicy{
		SplitOnOpcodeChange: true,
		Terminal:            isDragEnd,
	}
}

func isDragEnd(p *protocol.Packet) bool {
	if p.ID != protocol.TypeClickWindow {
		return false
	}
	var click protocol.ClickWindowMessage
	if err := protocol.Unmarshal(p, &click); err != nil {
		// the handler reports the decode error
		return true
	}
	return click.IsDragEnd()
}

// Breaks reports whether next may not join a chain whose last frame is
// prev.
func (c ChainPolicy) Breaks(prev, next *protocol.Packet) bool {
	if !c.SplitOnOpcodeChange {
		return true
	}
	return prev.ID != next.ID
}

// Ends reports whether the chain is complete once p has been appended.
func (c ChainPolicy) Ends(p *protocol.Packet) bool {
	return c.Terminal != nil && c.Terminal(p)
}

// chainBuilder accumulates frames for the reader.
type chainBuilder struct {
	policy  ChainPolicy
	packets []*protocol.Packet
}

// add appends p. Any chain completed by the append is returned; the second
// result is a chain p itself completed.
func (b *chainBuilder) add(p *protocol.Packet) (flushed, ended []*protocol.Packet) {
	if n := len(b.packets); n > 0 && b.policy.Breaks(b.packets[n-1], p) {
		flushed = b.take()
	}
	b.packets = append(b.packets, p)
	if b.policy.Ends(p) {
		ended = b.take()
	}
	return flushed, ended
}

// take removes and returns the pending chain.
func (b *chainBuilder) take() []*protocol.Packet {
	out := b.packets
	b.packets = nil
	return out
}

func (b *chainBuilder) empty() bool { return len(b.packets) == 0 }
