package server

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

func TestOfflineUUID(t *testing.T) {
	assert.Equal(t, "b50ad385-829d-3141-a216-7e7d7539ba7f", offlineUUID("Notch"))
	assert.NotEqual(t, offlineUUID("Notch"), offlineUUID("notch"), "names are case sensitive")
}

func previewRecord(x int32, y uint8, z int32, id, meta byte) []byte {
	r := make([]byte, previewRecordSize)
	binary.BigEndian.PutUint32(r[0:4], uint32(x))
	r[4] = y
	binary.BigEndian.PutUint32(r[5:9], uint32(z))
	r[9] = id
	r[10] = meta
	return r
}

func TestParsePreviews(t *testing.T) {
	data := append(previewRecord(-17, 70, 33, 1, 0), previewRecord(5, 255, -1, 35, 0x1E)...)
	previews, err := parsePreviews(data)
	require.NoError(t, err)
	assert.Equal(t, []world.Preview{
		{Pos: world.BlockPos{X: -17, Y: 70, Z: 33}, ID: 1},
		{Pos: world.BlockPos{X: 5, Y: 255, Z: -1}, ID: 35, Meta: 0xE},
	}, previews)

	empty, err := parsePreviews(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = parsePreviews(data[:15])
	assert.ErrorIs(t, err, ErrViolation)
}

func TestPreviewPluginMessage(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)

	require.NoError(t, handlePluginMessage(c, &protocol.PluginMessage{Channel: "MC|Brand", Data: []byte("vanilla")}))
	assert.Empty(t, srv.overlays.Previews(srv.world.ID, world.ChunkPos{}))

	err := handlePluginMessage(c, &protocol.PluginMessage{Channel: PreviewChannel, Data: previewRecord(3, 10, 4, 20, 0)})
	require.NoError(t, err)
	assert.Len(t, srv.overlays.Previews(srv.world.ID, world.ChunkPos{}), 1)

	require.NoError(t, handlePluginMessage(c, &protocol.PluginMessage{Channel: PreviewChannel}))
	assert.Empty(t, srv.overlays.Previews(srv.world.ID, world.ChunkPos{}), "an empty set clears the previews")

	err = handlePluginMessage(c, &protocol.PluginMessage{Channel: PreviewChannel, Data: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrViolation)
}

func stack(id int16, count int8) protocol.Slot {
	return protocol.Slot{ItemID: id, Count: count}
}

func clickMsg(slot int16, button int8, mode int8, clicked protocol.Slot) *protocol.ClickWindowMessage {
	return &protocol.ClickWindowMessage{Slot: slot, Button: button, Mode: mode, Clicked: clicked}
}

func TestClickPickUpAndPlace(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	inv := &c.player.Inventory
	inv[36] = stack(1, 10)

	require.True(t, c.click(clickMsg(36, 0, protocol.ClickModeNormal, stack(1, 10))))
	assert.Equal(t, stack(1, 10), c.player.Cursor)
	assert.True(t, inv[36].IsEmpty())

	// right click drops one item
	require.True(t, c.click(clickMsg(37, 1, protocol.ClickModeNormal, protocol.EmptySlot)))
	assert.Equal(t, stack(1, 1), inv[37])
	assert.Equal(t, int8(9), c.player.Cursor.Count)

	// left click on the same kind merges
	require.True(t, c.click(clickMsg(37, 0, protocol.ClickModeNormal, stack(1, 1))))
	assert.Equal(t, stack(1, 10), inv[37])
	assert.True(t, c.player.Cursor.IsEmpty())

	// right click on a stack takes the larger half
	require.True(t, c.click(clickMsg(37, 1, protocol.ClickModeNormal, stack(1, 10))))
	assert.Equal(t, int8(5), c.player.Cursor.Count)
	assert.Equal(t, int8(5), inv[37].Count)
}

func TestClickSwapAndMergeLimit(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	inv := &c.player.Inventory

	inv[10] = stack(4, 60)
	c.player.Cursor = stack(4, 10)
	require.True(t, c.click(clickMsg(10, 0, protocol.ClickModeNormal, stack(4, 60))))
	assert.Equal(t, int8(maxStack), inv[10].Count)
	assert.Equal(t, stack(4, 6), c.player.Cursor)

	inv[11] = stack(5, 2)
	require.True(t, c.click(clickMsg(11, 0, protocol.ClickModeNormal, stack(5, 2))))
	assert.Equal(t, stack(4, 6), inv[11], "different items swap")
	assert.Equal(t, stack(5, 2), c.player.Cursor)

	require.True(t, c.click(clickMsg(outsideSlot, 1, protocol.ClickModeNormal, protocol.EmptySlot)))
	assert.Equal(t, stack(5, 1), c.player.Cursor)
	require.True(t, c.click(clickMsg(outsideSlot, 0, protocol.ClickModeNormal, protocol.EmptySlot)))
	assert.True(t, c.player.Cursor.IsEmpty())
}

func TestClickRejected(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	c.player.Inventory[36] = stack(1, 10)

	assert.False(t, c.click(clickMsg(36, 0, protocol.ClickModeNormal, stack(1, 9))), "client view out of date")
	assert.False(t, c.click(clickMsg(1, 0, protocol.ClickModeNormal, protocol.EmptySlot)), "crafting grid")
	assert.False(t, c.click(clickMsg(36, 3, protocol.ClickModeNormal, stack(1, 10))))
	assert.Equal(t, stack(1, 10), c.player.Inventory[36])
}

func TestHandleClickWindowResyncsOnReject(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	c.player.Inventory[36] = stack(1, 10)

	msg := clickMsg(36, 0, protocol.ClickModeShift, stack(1, 10))
	msg.Action = 7
	require.NoError(t, handleClickWindow(c, msg))

	out := queued(t, c)
	require.Equal(t, []int32{protocol.TypeConfirmTxCB, protocol.TypeWindowItems, protocol.TypeSetSlot}, opcodes(out))
	var result protocol.TransactionResultMessage
	require.NoError(t, protocol.Unmarshal(out[0], &result))
	assert.False(t, result.Accepted)
	assert.Equal(t, int16(7), result.Action)

	require.NoError(t, handleClickWindow(c, clickMsg(36, 0, protocol.ClickModeNormal, stack(1, 10))))
	out = queued(t, c)
	require.Len(t, out, 1)
	require.NoError(t, protocol.Unmarshal(out[0], &result))
	assert.True(t, result.Accepted)
}

func TestDragPaintSplitsEvenly(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	inv := &c.player.Inventory
	inv[38] = stack(2, 1)
	c.player.Cursor = stack(2, 10)

	steps := []*protocol.ClickWindowMessage{
		clickMsg(outsideSlot, 0, protocol.ClickModeDragPaint, protocol.EmptySlot),
		clickMsg(36, 1, protocol.ClickModeDragPaint, protocol.EmptySlot),
		clickMsg(37, 1, protocol.ClickModeDragPaint, protocol.EmptySlot),
		clickMsg(37, 1, protocol.ClickModeDragPaint, protocol.EmptySlot),
		clickMsg(38, 1, protocol.ClickModeDragPaint, protocol.EmptySlot),
		clickMsg(outsideSlot, 2, protocol.ClickModeDragPaint, protocol.EmptySlot),
	}
	for i, m := range steps {
		require.True(t, c.dragPaint(m), "step %d", i)
	}
	assert.Nil(t, c.player.drag)
	assert.Equal(t, stack(2, 3), inv[36])
	assert.Equal(t, stack(2, 3), inv[37])
	assert.Equal(t, stack(2, 4), inv[38])
	assert.Equal(t, stack(2, 1), c.player.Cursor)
}

func TestDragPaintRightButtonPlacesOne(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	c.player.Cursor = stack(3, 2)

	require.True(t, c.dragPaint(clickMsg(outsideSlot, 4, protocol.ClickModeDragPaint, protocol.EmptySlot)))
	for _, s := range []int16{20, 21, 22} {
		require.True(t, c.dragPaint(clickMsg(s, 5, protocol.ClickModeDragPaint, protocol.EmptySlot)))
	}
	require.True(t, c.dragPaint(clickMsg(outsideSlot, 6, protocol.ClickModeDragPaint, protocol.EmptySlot)))

	assert.Equal(t, stack(3, 1), c.player.Inventory[20])
	assert.Equal(t, stack(3, 1), c.player.Inventory[21])
	assert.True(t, c.player.Inventory[22].IsEmpty(), "the cursor ran out")
	assert.True(t, c.player.Cursor.IsEmpty())
}

func TestDragPaintRejectsBrokenGestures(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)

	assert.False(t, c.dragPaint(clickMsg(outsideSlot, 0, protocol.ClickModeDragPaint, protocol.EmptySlot)), "empty cursor")
	assert.False(t, c.dragPaint(clickMsg(36, 1, protocol.ClickModeDragPaint, protocol.EmptySlot)), "no gesture started")

	c.player.Cursor = stack(1, 4)
	require.True(t, c.dragPaint(clickMsg(outsideSlot, 0, protocol.ClickModeDragPaint, protocol.EmptySlot)))
	assert.False(t, c.dragPaint(clickMsg(36, 5, protocol.ClickModeDragPaint, protocol.EmptySlot)), "button changed mid gesture")
	assert.False(t, c.click(clickMsg(36, 0, protocol.ClickModeNormal, protocol.EmptySlot)), "plain clicks wait for the drag")
}

func TestConsoleCommands(t *testing.T) {
	srv := newTestServer(t)
	var out bytes.Buffer
	run := func(line string) (string, error) {
		out.Reset()
		err := srv.runConsoleLine(&out, "admin", line)
		return out.String(), err
	}

	text, err := run("list")
	require.NoError(t, err)
	assert.Contains(t, text, "0/20 players online")

	text, _ = run("help")
	assert.Contains(t, text, "kick <player>")

	text, _ = run("kick nobody")
	assert.Contains(t, text, "nobody is not online")

	text, _ = run("say")
	assert.Contains(t, text, "usage: say")

	text, _ = run("say maintenance at noon")
	assert.Contains(t, text, "sent")

	text, _ = run("audit")
	assert.Contains(t, text, "no player database")

	text, _ = run("frobnicate")
	assert.Contains(t, text, `unknown command "frobnicate"`)

	text, err = run("   ")
	assert.NoError(t, err)
	assert.Empty(t, text)

	_, err = run("exit")
	assert.ErrorIs(t, err, errConsoleExit)
}

func TestConsoleKick(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConn(t, srv)
	srv.conns.Add(c)
	require.NoError(t, srv.conns.Claim(c, "Steve", 0))
	c.infoMu.Lock()
	c.name = "Steve"
	c.infoMu.Unlock()
	c.setState(protocol.StatePlay)

	var out bytes.Buffer
	require.NoError(t, srv.runConsoleLine(&out, "admin", "kick steve spamming chat"))
	assert.Contains(t, out.String(), "kicked Steve")
	assert.True(t, c.failing.Load())

	ps := queued(t, c)
	require.Len(t, ps, 1)
	var kick protocol.DisconnectMessage
	require.NoError(t, protocol.Unmarshal(ps[0], &kick))
	assert.Equal(t, protocol.Text("spamming chat"), kick.Reason)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter3")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestHostKeyPersists(t *testing.T) {
	config := journeyConfig()
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "keys", "host_key")
	srv := &Server{config: config, log: logger.Nop()}

	first, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	require.FileExists(t, config.SSHHostKeyPath)

	second, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestChatLineKeepsAngleBrackets(t *testing.T) {
	assert.Equal(t, `{"text":"<bob> 1 < 2 & 3 > 2"}`, chatJSON("<bob> 1 < 2 & 3 > 2", ""))
	assert.Equal(t, `{"text":"Unknown command","color":"red"}`, chatJSON("Unknown command", "red"))
}

func TestClientSettingsNeverRaiseRadius(t *testing.T) {
	config := journeyConfig()
	config.ViewRadius = 1
	srv, err := NewServer(config, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })

	tests := []struct {
		view int8
		want int32
	}{
		{10, 1},
		{1, 1},
		{0, 1},
		{-3, 1},
	}
	for _, tt := range tests {
		c := newTestConn(t, srv)
		joinStreaming(t, c)
		require.NoError(t, handleClientSettings(c, &protocol.ClientSettingsMessage{ViewDistance: tt.view}))

		c.stream.mu.Lock()
		assert.Equal(t, tt.want, c.stream.radius, "view distance %d", tt.view)
		p := c.stream.planLocked()
		c.stream.mu.Unlock()
		deliveries, _ := split(p.requests)
		assert.Len(t, deliveries, 9, "view distance %d", tt.view)
	}

	// a larger configured radius still honours a smaller client request
	c := newTestConn(t, newTestServer(t))
	require.NoError(t, handleClientSettings(c, &protocol.ClientSettingsMessage{ViewDistance: 1}))
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	assert.Equal(t, int32(1), c.stream.radius)
}
