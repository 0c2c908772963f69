package server

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

const (
	// maxCoordinate is the horizontal world border.
	maxCoordinate = 3.0e7
	// maxMoveDistance is the longest step accepted in one movement frame.
	maxMoveDistance = 100.0
	// maxReach is the distance from the eyes to a block centre a player
	// may dig or place at.
	maxReach = 6.0
	maxStack = 64

	// PreviewChannel carries edit previews from tool clients.
	PreviewChannel    = "VG|Preview"
	previewRecordSize = 11

	cursorSlot   = -1
	outsideSlot  = -999
	craftingLast = 4
)

// replaceable blocks may be placed into.
var replaceable = map[byte]bool{
	8:           true, // flowing water
	world.Water: true,
	31:          true, // tall grass
}

// ---------------------------------------------------------------------------
// Handshake and status

func handleHandshake(c *Connection, msg *protocol.HandshakeMessage) error {
	switch msg.NextState {
	case protocol.NextStateStatus:
		c.setState(protocol.StateStatus)
	case protocol.NextStateLogin:
		c.protocolVersion = msg.ProtocolVersion
		c.setState(protocol.StateLogin)
	default:
		return fmt.Errorf("%w: handshake next state %d", ErrState, msg.NextState)
	}
	return nil
}

func handleStatusRequest(c *Connection, _ *protocol.StatusRequestMessage) error {
	if c.statusSent {
		return fmt.Errorf("%w: second status request", ErrState)
	}
	c.statusSent = true
	doc := protocol.NewServerStatus(c.srv.config.MOTD, c.srv.conns.PlayerCount(), c.srv.config.MaxPlayers)
	b, err := protocol.EncodeJSON(doc)
	if err != nil {
		return err
	}
	return c.Send(&protocol.StatusResponseMessage{JSON: b})
}

// handleStatusPing echoes the payload and closes the connection behind it.
func handleStatusPing(c *Connection, msg *protocol.StatusPingMessage) error {
	if err := c.Send(&protocol.StatusPingMessage{Payload: msg.Payload}); err != nil {
		return err
	}
	c.Disconnect(nil)
	return nil
}

// ---------------------------------------------------------------------------
// Chat

func chatJSON(text, color string) string {
	b, _ := protocol.EncodeJSON(protocol.TextComponent{Text: text, Color: color})
	return b
}

// Tell sends a system line to the player.
func (c *Connection) Tell(text, color string) {
	_ = c.Send(&protocol.ServerChatMessage{JSON: chatJSON(text, color)})
}

func handleChat(c *Connection, msg *protocol.ChatMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		c.runCommand(text[1:])
		return nil
	}
	line := fmt.Sprintf("<%s> %s", c.Name(), text)
	c.log.Info("chat", logger.F("text", text))
	p, err := protocol.Marshal(&protocol.ServerChatMessage{JSON: chatJSON(line, "")})
	if err != nil {
		return err
	}
	c.srv.conns.Broadcast(p, 0)
	return nil
}

func (c *Connection) runCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "list":
		players := c.srv.conns.Players()
		names := make([]string, 0, len(players))
		for _, p := range players {
			names = append(names, p.Name())
		}
		sort.Strings(names)
		c.Tell(fmt.Sprintf("%d/%d online: %s", len(names), c.srv.config.MaxPlayers, strings.Join(names, ", ")), "gray")
	case "spawn":
		if err := c.respawn(); err != nil {
			c.log.Warn("spawn lookup failed", logger.Err(err))
			c.Tell("Spawn is not available right now", "red")
		}
	default:
		c.Tell("Unknown command", "red")
	}
}

// ---------------------------------------------------------------------------
// Movement

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (c *Connection) worldID() world.WorldID {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.stream.world
}

func (c *Connection) teleportPending() bool {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.stream.joinPending
}

// correctPosition sends the server's position back to a client that moved
// somewhere it may not go.
func (c *Connection) correctPosition() {
	c.stream.mu.Lock()
	c.sendPositionLocked()
	c.stream.mu.Unlock()
}

func (c *Connection) setPosition(x, y, z float64) {
	c.player.X, c.player.Y, c.player.Z = x, y, z
	c.infoMu.Lock()
	c.pos = [3]float64{x, y, z}
	c.infoMu.Unlock()
}

// acceptMove applies a client reported feet position. Moves received
// while a teleport is unconfirmed describe the old position and are
// dropped.
func (c *Connection) acceptMove(x, y, z float64) {
	if c.teleportPending() {
		return
	}
	dx, dy, dz := x-c.player.X, y-c.player.Y, z-c.player.Z
	if !finite(x, y, z) ||
		math.Abs(x) > maxCoordinate || math.Abs(z) > maxCoordinate ||
		dx*dx+dy*dy+dz*dz > maxMoveDistance*maxMoveDistance {
		c.log.Debug("rejected move", logger.F("x", x), logger.F("y", y), logger.F("z", z))
		c.correctPosition()
		return
	}
	c.setPosition(x, y, z)
	c.stream.moveTo(c.worldID(), world.ChunkAtFloat(x, z))
}

func (c *Connection) acceptLook(yaw, pitch float32) {
	if !finite(float64(yaw), float64(pitch)) {
		return
	}
	c.player.Yaw = yaw
	c.player.Pitch = max(-90, min(90, pitch))
}

// teleport moves the player. The position frame is sent once the target
// chunk is on the client so it does not fall through missing terrain.
func (c *Connection) teleport(x, y, z float64) {
	c.setPosition(x, y, z)
	pos := world.ChunkAtFloat(x, z)

	st := c.stream
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != pos {
		st.current = pos
		st.needChunks = true
	}
	if st.knowsLocked(pos.X, pos.Z) {
		st.joinPending = false
		c.sendPositionLocked()
		return
	}
	st.joinPending = true
	st.needChunks = true
}

func (c *Connection) respawn() error {
	spawn, err := c.srv.world.Spawn(c.srv.ctx)
	if err != nil {
		return err
	}
	c.teleport(float64(spawn.X)+0.5, float64(spawn.Y), float64(spawn.Z)+0.5)
	return nil
}

func handlePlayer(c *Connection, msg *protocol.PlayerMessage) error {
	c.player.OnGround = msg.OnGround
	return nil
}

func handlePlayerPosition(c *Connection, msg *protocol.PlayerPositionMessage) error {
	c.player.OnGround = msg.OnGround
	c.acceptMove(msg.X, msg.FeetY, msg.Z)
	return nil
}

func handlePlayerLook(c *Connection, msg *protocol.PlayerLookMessage) error {
	c.player.OnGround = msg.OnGround
	c.acceptLook(msg.Yaw, msg.Pitch)
	return nil
}

func handlePlayerPositionLook(c *Connection, msg *protocol.PlayerPositionLookMessage) error {
	c.player.OnGround = msg.OnGround
	c.acceptLook(msg.Yaw, msg.Pitch)
	c.acceptMove(msg.X, msg.FeetY, msg.Z)
	return nil
}

func handleClientSettings(c *Connection, msg *protocol.ClientSettingsMessage) error {
	r := max(1, min(int32(msg.ViewDistance), int32(c.srv.config.ViewRadius)))
	c.stream.setRadius(r)
	return nil
}

func handleClientStatus(c *Connection, msg *protocol.ClientStatusMessage) error {
	if msg.Action != protocol.ClientStatusRespawn {
		return nil
	}
	if err := c.respawn(); err != nil {
		c.log.Warn("respawn failed", logger.Err(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Blocks

func blockPos(p protocol.BlockPos) world.BlockPos {
	return world.BlockPos{X: p.X, Y: int32(p.Y), Z: p.Z}
}

// inReach compares the eye position with the block centre.
func (c *Connection) inReach(b world.BlockPos) bool {
	dx := float64(b.X) + 0.5 - c.player.X
	dy := float64(b.Y) + 0.5 - (c.player.Y + eyeHeight)
	dz := float64(b.Z) + 0.5 - c.player.Z
	return dx*dx+dy*dy+dz*dz <= maxReach*maxReach
}

// correctBlock resends the authoritative block at b.
func (c *Connection) correctBlock(b world.BlockPos) {
	if !b.InBounds() {
		return
	}
	id, meta, err := c.srv.worlds.Block(c.srv.ctx, c.worldID(), b)
	if err != nil {
		return
	}
	_ = c.Send(&protocol.BlockChangeMessage{X: b.X, Y: uint8(b.Y), Z: b.Z, BlockID: int32(id), Meta: meta})
}

// setBlock writes b and broadcasts the change to every player in the world,
// the editor included.
func (c *Connection) setBlock(b world.BlockPos, id, meta byte) error {
	w := c.worldID()
	if err := c.srv.worlds.SetBlock(c.srv.ctx, w, b, id, meta); err != nil {
		return err
	}
	p, err := protocol.Marshal(&protocol.BlockChangeMessage{X: b.X, Y: uint8(b.Y), Z: b.Z, BlockID: int32(id), Meta: meta})
	if err != nil {
		return err
	}
	c.srv.conns.BroadcastWorld(w, p, 0)
	return nil
}

func handleDigging(c *Connection, msg *protocol.PlayerDiggingMessage) error {
	switch msg.Status {
	case protocol.DigStarted:
		if c.player.GameMode != protocol.GameModeCreative {
			return nil
		}
	case protocol.DigFinished:
	default:
		return nil
	}

	b := blockPos(msg.Pos)
	if !b.InBounds() || !c.inReach(b) || !c.stream.Knows(b.Chunk()) {
		c.correctBlock(b)
		return nil
	}
	id, _, err := c.srv.worlds.Block(c.srv.ctx, c.worldID(), b)
	if err != nil || id == world.Air || (id == world.Bedrock && c.player.GameMode != protocol.GameModeCreative) {
		c.correctBlock(b)
		return nil
	}
	if err := c.setBlock(b, world.Air, 0); err != nil {
		c.log.Warn("dig failed", logger.F("block", b), logger.Err(err))
		c.correctBlock(b)
	}
	return nil
}

func handleBlockPlacement(c *Connection, msg *protocol.BlockPlacementMessage) error {
	// -1 uses the held item without a target block
	if msg.Direction == -1 {
		return nil
	}
	target := blockPos(msg.Pos).Offset(msg.Direction)
	slot := hotbarBase + int(c.player.HeldSlot)
	held := c.player.Inventory[slot]
	if held.IsEmpty() || held.ItemID >= 256 || msg.Direction < 0 || msg.Direction > 5 {
		return nil
	}

	reject := func() {
		c.correctBlock(target)
		c.sendSlot(slot)
	}
	if !target.InBounds() || !c.inReach(target) || !c.stream.Knows(target.Chunk()) {
		reject()
		return nil
	}
	existing, _, err := c.srv.worlds.Block(c.srv.ctx, c.worldID(), target)
	if err != nil || (existing != world.Air && !replaceable[existing]) {
		reject()
		return nil
	}
	if err := c.setBlock(target, byte(held.ItemID), byte(held.Damage&0xF)); err != nil {
		c.log.Warn("place failed", logger.F("block", target), logger.Err(err))
		reject()
		return nil
	}
	if c.player.GameMode != protocol.GameModeCreative {
		held.Count--
		if held.Count <= 0 {
			held = protocol.EmptySlot
		}
		c.player.Inventory[slot] = held
	}
	return nil
}

func handleUpdateSign(c *Connection, msg *protocol.UpdateSignMessage) error {
	b := world.BlockPos{X: msg.X, Y: int32(msg.Y), Z: msg.Z}
	if !b.InBounds() || !c.inReach(b) || !c.stream.Knows(b.Chunk()) {
		return nil
	}
	id, _, err := c.srv.worlds.Block(c.srv.ctx, c.worldID(), b)
	if err != nil || (id != 63 && id != 68) {
		return nil
	}
	p, err := protocol.Marshal((*protocol.SignContentMessage)(msg))
	if err != nil {
		return err
	}
	w, chunk := c.worldID(), b.Chunk()
	for _, other := range c.srv.conns.Players() {
		if other.failing.Load() || other.worldID() != w || !other.stream.Knows(chunk) {
			continue
		}
		_ = other.Enqueue(p)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inventory

func (c *Connection) sendSlot(slot int) {
	_ = c.Send(&protocol.SetSlotMessage{WindowID: 0, Slot: int16(slot), Item: c.player.Inventory[slot]})
}

// sendInventory resends the whole player window and the cursor.
func (c *Connection) sendInventory() {
	items := make([]protocol.Slot, InventorySize)
	copy(items, c.player.Inventory[:])
	_ = c.Send(&protocol.WindowItemsMessage{WindowID: 0, Items: items})
	_ = c.Send(&protocol.SetSlotMessage{WindowID: cursorSlot, Slot: cursorSlot, Item: c.player.Cursor})
}

func handleHeldItemChange(c *Connection, msg *protocol.HeldItemChangeMessage) error {
	if msg.Slot < 0 || msg.Slot > 8 {
		return fmt.Errorf("%w: held slot %d", ErrViolation, msg.Slot)
	}
	c.player.HeldSlot = msg.Slot
	return nil
}

func validItem(s protocol.Slot) bool {
	return s.IsEmpty() || (s.ItemID > 0 && s.ItemID < 4096 && s.Count > 0 && s.Count <= maxStack)
}

func handleCreativeInventory(c *Connection, msg *protocol.CreativeInventoryMessage) error {
	if c.player.GameMode != protocol.GameModeCreative {
		c.sendInventory()
		return nil
	}
	// -1 drops the item out of the window
	if msg.Slot == -1 {
		return nil
	}
	if msg.Slot < 1 || msg.Slot >= InventorySize || !validItem(msg.Item) {
		c.sendInventory()
		return nil
	}
	c.player.Inventory[msg.Slot] = msg.Item
	return nil
}

func handleCloseWindow(c *Connection, _ *protocol.CloseWindowMessage) error {
	c.player.Cursor = protocol.EmptySlot
	c.player.drag = nil
	return nil
}

// dragGesture is a drag-paint in progress: the stack on the cursor is
// spread over the slots the pointer crossed.
type dragGesture struct {
	right bool
	slots []int16
}

func sameKind(a, b protocol.Slot) bool {
	return !a.IsEmpty() && !b.IsEmpty() && a.ItemID == b.ItemID && a.Damage == b.Damage && a.Tag == nil && b.Tag == nil
}

func sameStack(a, b protocol.Slot) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return a.IsEmpty() == b.IsEmpty()
	}
	return a.ItemID == b.ItemID && a.Damage == b.Damage && a.Count == b.Count
}

func storageSlot(slot int16) bool { return slot > craftingLast && slot < InventorySize }

func handleClickWindow(c *Connection, msg *protocol.ClickWindowMessage) error {
	accepted := msg.WindowID == 0
	if accepted {
		switch msg.Mode {
		case protocol.ClickModeNormal:
			accepted = c.click(msg)
		case protocol.ClickModeDragPaint:
			accepted = c.dragPaint(msg)
		default:
			accepted = false
		}
	}
	_ = c.Send(&protocol.TransactionResultMessage{WindowID: msg.WindowID, Action: msg.Action, Accepted: accepted})
	if !accepted {
		c.player.drag = nil
		c.sendInventory()
	}
	return nil
}

// click applies a plain left or right click.
func (c *Connection) click(msg *protocol.ClickWindowMessage) bool {
	if c.player.drag != nil || (msg.Button != 0 && msg.Button != 1) {
		return false
	}
	cur := &c.player.Cursor
	if msg.Slot == outsideSlot {
		if msg.Button == 1 && !cur.IsEmpty() {
			cur.Count--
			if cur.Count <= 0 {
				*cur = protocol.EmptySlot
			}
		} else {
			*cur = protocol.EmptySlot
		}
		return true
	}
	if !storageSlot(msg.Slot) {
		return false
	}
	slot := &c.player.Inventory[msg.Slot]
	if !sameStack(msg.Clicked, *slot) {
		return false
	}

	switch {
	case cur.IsEmpty() && slot.IsEmpty():
	case cur.IsEmpty():
		take := slot.Count
		if msg.Button == 1 {
			take = (slot.Count + 1) / 2
		}
		*cur = *slot
		cur.Count = take
		slot.Count -= take
		if slot.Count == 0 {
			*slot = protocol.EmptySlot
		}
	case slot.IsEmpty():
		put := cur.Count
		if msg.Button == 1 {
			put = 1
		}
		*slot = *cur
		slot.Count = put
		cur.Count -= put
		if cur.Count == 0 {
			*cur = protocol.EmptySlot
		}
	case sameKind(*cur, *slot):
		room := maxStack - slot.Count
		put := min(cur.Count, room)
		if msg.Button == 1 {
			put = min(1, room)
		}
		slot.Count += put
		cur.Count -= put
		if cur.Count == 0 {
			*cur = protocol.EmptySlot
		}
	default:
		*cur, *slot = *slot, *cur
	}
	return true
}

// dragPaint runs one step of a drag-paint gesture. The slots are only
// filled when the gesture ends, and the window is resynced afterwards
// because the client predicts the split itself.
func (c *Connection) dragPaint(msg *protocol.ClickWindowMessage) bool {
	switch msg.Button {
	case 0, 4:
		if c.player.drag != nil || c.player.Cursor.IsEmpty() || msg.Slot != outsideSlot {
			return false
		}
		c.player.drag = &dragGesture{right: msg.Button == 4}
		return true
	case 1, 5:
		d := c.player.drag
		if d == nil || d.right != (msg.Button == 5) || !storageSlot(msg.Slot) {
			return false
		}
		for _, s := range d.slots {
			if s == msg.Slot {
				return true
			}
		}
		d.slots = append(d.slots, msg.Slot)
		return true
	case 2, 6:
		d := c.player.drag
		c.player.drag = nil
		if d == nil || d.right != (msg.Button == 6) || msg.Slot != outsideSlot {
			return false
		}
		c.distribute(d)
		c.sendInventory()
		return true
	}
	return false
}

func (c *Connection) distribute(d *dragGesture) {
	cur := &c.player.Cursor
	var targets []int16
	for _, s := range d.slots {
		slot := c.player.Inventory[s]
		if slot.IsEmpty() || (sameKind(slot, *cur) && slot.Count < maxStack) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 || cur.IsEmpty() {
		return
	}
	per := int8(1)
	if !d.right {
		per = int8(int(cur.Count) / len(targets))
		if per == 0 {
			return
		}
	}
	for _, s := range targets {
		if cur.Count == 0 {
			break
		}
		slot := &c.player.Inventory[s]
		if slot.IsEmpty() {
			*slot = *cur
			slot.Count = 0
		}
		put := min(per, maxStack-slot.Count, cur.Count)
		slot.Count += put
		cur.Count -= put
	}
	if cur.Count == 0 {
		*cur = protocol.EmptySlot
	}
}

// ---------------------------------------------------------------------------
// Plugin channels

// parsePreviews reads 11-byte records: x int32, y uint8, z int32, id, meta.
func parsePreviews(data []byte) ([]world.Preview, error) {
	if len(data)%previewRecordSize != 0 {
		return nil, fmt.Errorf("%w: preview payload of %d bytes", ErrViolation, len(data))
	}
	out := make([]world.Preview, 0, len(data)/previewRecordSize)
	for off := 0; off < len(data); off += previewRecordSize {
		r := data[off : off+previewRecordSize]
		out = append(out, world.Preview{
			Pos: world.BlockPos{
				X: int32(binary.BigEndian.Uint32(r[0:4])),
				Y: int32(r[4]),
				Z: int32(binary.BigEndian.Uint32(r[5:9])),
			},
			ID:   r[9],
			Meta: r[10] & 0xF,
		})
	}
	return out, nil
}

func handlePluginMessage(c *Connection, msg *protocol.PluginMessage) error {
	if msg.Channel != PreviewChannel {
		return nil
	}
	previews, err := parsePreviews(msg.Data)
	if err != nil {
		return err
	}
	touched := c.srv.overlays.Set(c.ID, c.worldID(), previews)
	if len(touched) > 0 {
		c.srv.refreshChunks(c, touched)
	}
	return nil
}
