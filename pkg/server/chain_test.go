package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/voxelgate/pkg/protocol"
)

func mustPacket(t require.TestingT, m protocol.Message) *protocol.Packet {
	p, err := protocol.Marshal(m)
	require.NoError(t, err)
	return p
}

func dragClick(t require.TestingT, button int8) *protocol.Packet {
	return mustPacket(t, &protocol.ClickWindowMessage{
		Slot:    -999,
		Button:  button,
		Mode:    protocol.ClickModeDragPaint,
		Clicked: protocol.EmptySlot,
	})
}

func TestChainBuilderGroupsEqualOpcodes(t *testing.T) {
	b := chainBuilder{policy: DefaultChainPolicy()}
	move := func() *protocol.Packet { return mustPacket(t, &protocol.PlayerMessage{OnGround: true}) }

	for i := 0; i < 3; i++ {
		flushed, ended := b.add(move())
		assert.Nil(t, flushed)
		assert.Nil(t, ended)
	}
	flushed, ended := b.add(mustPacket(t, &protocol.ChatMessage{Text: "hi"}))
	assert.Len(t, flushed, 3, "an opcode change closes the running chain")
	assert.Nil(t, ended)
	assert.False(t, b.empty())

	rest := b.take()
	require.Len(t, rest, 1)
	assert.Equal(t, int32(protocol.TypeChatSB), rest[0].ID)
	assert.True(t, b.empty())
}

func TestChainBuilderDragGesture(t *testing.T) {
	b := chainBuilder{policy: DefaultChainPolicy()}

	_, ended := b.add(dragClick(t, 0))
	assert.Nil(t, ended)
	_, ended = b.add(dragClick(t, 1))
	assert.Nil(t, ended)
	_, ended = b.add(dragClick(t, 1))
	assert.Nil(t, ended)
	flushed, ended := b.add(dragClick(t, 2))
	assert.Nil(t, flushed)
	assert.Len(t, ended, 4, "the end of a drag completes the chain")
	assert.True(t, b.empty())
}

func TestChainBuilderWithoutGrouping(t *testing.T) {
	b := chainBuilder{policy: ChainPolicy{}}
	p := mustPacket(t, &protocol.PlayerMessage{})

	flushed, _ := b.add(p)
	assert.Nil(t, flushed)
	flushed, _ = b.add(p)
	assert.Len(t, flushed, 1)
}

func TestIsDragEnd(t *testing.T) {
	assert.True(t, isDragEnd(dragClick(t, 2)))
	assert.True(t, isDragEnd(dragClick(t, 6)))
	assert.False(t, isDragEnd(dragClick(t, 0)))
	assert.False(t, isDragEnd(mustPacket(t, &protocol.PlayerMessage{})))

	garbled := &protocol.Packet{ID: protocol.TypeClickWindow, Payload: protocol.NewFrame(0)}
	assert.True(t, isDragEnd(garbled), "an undecodable click ends the chain so the handler sees it")
}

func TestChainsPreserveOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kinds := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 40).Draw(t, "kinds")
		b := chainBuilder{policy: DefaultChainPolicy()}

		var in []*protocol.Packet
		var chains [][]*protocol.Packet
		for _, k := range kinds {
			var p *protocol.Packet
			switch k {
			case 0:
				p = mustPacket(t, &protocol.PlayerMessage{})
			case 1:
				p = mustPacket(t, &protocol.ChatMessage{Text: "x"})
			case 2:
				p = dragClick(t, 1)
			case 3:
				p = dragClick(t, 2)
			}
			in = append(in, p)
			flushed, ended := b.add(p)
			if flushed != nil {
				chains = append(chains, flushed)
			}
			if ended != nil {
				chains = append(chains, ended)
			}
		}
		if !b.empty() {
			chains = append(chains, b.take())
		}

		var out []*protocol.Packet
		for _, chain := range chains {
			if len(chain) == 0 {
				t.Fatalf("empty chain emitted")
			}
			for _, p := range chain {
				if p.ID != chain[0].ID {
					t.Fatalf("chain mixes opcodes 0x%02X and 0x%02X", chain[0].ID, p.ID)
				}
			}
			out = append(out, chain...)
		}
		if len(out) != len(in) {
			t.Fatalf("got %d frames back, want %d", len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("frame %d out of order", i)
			}
		}
	})
}
