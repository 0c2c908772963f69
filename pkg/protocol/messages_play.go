package protocol

// Serverbound Play messages.

const (
	MaxChatLength    = 100
	MaxSignLine      = 15
	MaxChannelLength = 20
	maxPluginPayload = 1<<15 - 1
)

// KeepAliveMessage (0x00) - Ping in both directions; the client echoes the id
type KeepAliveMessage struct {
	ID int32
}

func (m *KeepAliveMessage) PacketID() int32 { return TypeKeepAlive }

func (m *KeepAliveMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.ID)
	return nil
}

func (m *KeepAliveMessage) Decode(f *Frame) error {
	var err error
	m.ID, err = f.ReadInt32()
	return err
}

// ChatMessage (0x01) - Chat line typed by the player
type ChatMessage struct {
	Text string
}

func (m *ChatMessage) PacketID() int32 { return TypeChatSB }

func (m *ChatMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.Text, MaxChatLength)
}

func (m *ChatMessage) Decode(f *Frame) error {
	var err error
	m.Text, err = f.ReadString(MaxChatLength)
	return err
}

// UseEntityMessage (0x02) - Interact with or attack an entity
type UseEntityMessage struct {
	Target int32
	Mouse  int8
}

func (m *UseEntityMessage) PacketID() int32 { return TypeUseEntity }

func (m *UseEntityMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.Target)
	f.WriteInt8(m.Mouse)
	return nil
}

func (m *UseEntityMessage) Decode(f *Frame) error {
	var err error
	if m.Target, err = f.ReadInt32(); err != nil {
		return err
	}
	m.Mouse, err = f.ReadInt8()
	return err
}

// PlayerMessage (0x03) - On-ground flag only
type PlayerMessage struct {
	OnGround bool
}

func (m *PlayerMessage) PacketID() int32 { return TypePlayer }

func (m *PlayerMessage) EncodeTo(f *Frame) error {
	f.WriteBool(m.OnGround)
	return nil
}

func (m *PlayerMessage) Decode(f *Frame) error {
	var err error
	m.OnGround, err = f.ReadBool()
	return err
}

// PlayerPositionMessage (0x04) - Feet position plus head height
type PlayerPositionMessage struct {
	X, FeetY, HeadY, Z float64
	OnGround           bool
}

func (m *PlayerPositionMessage) PacketID() int32 { return TypePlayerPosition }

func (m *PlayerPositionMessage) EncodeTo(f *Frame) error {
	f.WriteFloat64(m.X)
	f.WriteFloat64(m.FeetY)
	f.WriteFloat64(m.HeadY)
	f.WriteFloat64(m.Z)
	f.WriteBool(m.OnGround)
	return nil
}

func (m *PlayerPositionMessage) Decode(f *Frame) error {
	var err error
	if m.X, err = f.ReadFloat64(); err != nil {
		return err
	}
	if m.FeetY, err = f.ReadFloat64(); err != nil {
		return err
	}
	if m.HeadY, err = f.ReadFloat64(); err != nil {
		return err
	}
	if m.Z, err = f.ReadFloat64(); err != nil {
		return err
	}
	m.OnGround, err = f.ReadBool()
	return err
}

// PlayerLookMessage (0x05) - Orientation only
type PlayerLookMessage struct {
	Yaw, Pitch float32
	OnGround   bool
}

func (m *PlayerLookMessage) PacketID() int32 { return TypePlayerLook }

func (m *PlayerLookMessage) EncodeTo(f *Frame) error {
	f.WriteFloat32(m.Yaw)
	f.WriteFloat32(m.Pitch)
	f.WriteBool(m.OnGround)
	return nil
}

func (m *PlayerLookMessage) Decode(f *Frame) error {
	var err error
	if m.Yaw, err = f.ReadFloat32(); err != nil {
		return err
	}
	if m.Pitch, err = f.ReadFloat32(); err != nil {
		return err
	}
	m.OnGround, err = f.ReadBool()
	return err
}

// PlayerPositionLookMessage (0x06) - Position and orientation together
type PlayerPositionLookMessage struct {
	X, FeetY, HeadY, Z float64
	Yaw, Pitch         float32
	OnGround           bool
}

func (m *PlayerPositionLookMessage) PacketID() int32 { return TypePlayerPositionLook }

func (m *PlayerPositionLookMessage) EncodeTo(f *Frame) error {
	f.WriteFloat64(m.X)
	f.WriteFloat64(m.FeetY)
	f.WriteFloat64(m.HeadY)
	f.WriteFloat64(m.Z)
	f.WriteFloat32(m.Yaw)
	f.WriteFloat32(m.Pitch)
	f.WriteBool(m.OnGround)
	return nil
}

func (m *PlayerPositionLookMessage) Decode(f *Frame) error {
	var err error
	for _, p := range []*float64{&m.X, &m.FeetY, &m.HeadY, &m.Z} {
		if *p, err = f.ReadFloat64(); err != nil {
			return err
		}
	}
	if m.Yaw, err = f.ReadFloat32(); err != nil {
		return err
	}
	if m.Pitch, err = f.ReadFloat32(); err != nil {
		return err
	}
	m.OnGround, err = f.ReadBool()
	return err
}

// BlockPos is an absolute block coordinate as sent by the client.
type BlockPos struct {
	X int32
	Y uint8
	Z int32
}

func (f *Frame) writeBlockPos(p BlockPos) {
	f.WriteInt32(p.X)
	f.WriteUint8(p.Y)
	f.WriteInt32(p.Z)
}

func (f *Frame) readBlockPos() (BlockPos, error) {
	var p BlockPos
	var err error
	if p.X, err = f.ReadInt32(); err != nil {
		return p, err
	}
	if p.Y, err = f.ReadUint8(); err != nil {
		return p, err
	}
	p.Z, err = f.ReadInt32()
	return p, err
}

// PlayerDiggingMessage (0x07) - Start/stop breaking a block
type PlayerDiggingMessage struct {
	Status int8
	Pos    BlockPos
	Face   int8
}

func (m *PlayerDiggingMessage) PacketID() int32 { return TypePlayerDigging }

func (m *PlayerDiggingMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.Status)
	f.writeBlockPos(m.Pos)
	f.WriteInt8(m.Face)
	return nil
}

func (m *PlayerDiggingMessage) Decode(f *Frame) error {
	var err error
	if m.Status, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Pos, err = f.readBlockPos(); err != nil {
		return err
	}
	m.Face, err = f.ReadInt8()
	return err
}

// BlockPlacementMessage (0x08) - Use the held item against a block face.
// Direction 255 (-1) means "use item in air".
type BlockPlacementMessage struct {
	Pos       BlockPos
	Direction int8
	Held      Slot
	CursorX   int8
	CursorY   int8
	CursorZ   int8
}

func (m *BlockPlacementMessage) PacketID() int32 { return TypeBlockPlacement }

func (m *BlockPlacementMessage) EncodeTo(f *Frame) error {
	f.writeBlockPos(m.Pos)
	f.WriteInt8(m.Direction)
	if err := f.WriteSlot(m.Held); err != nil {
		return err
	}
	f.WriteInt8(m.CursorX)
	f.WriteInt8(m.CursorY)
	f.WriteInt8(m.CursorZ)
	return nil
}

func (m *BlockPlacementMessage) Decode(f *Frame) error {
	var err error
	if m.Pos, err = f.readBlockPos(); err != nil {
		return err
	}
	if m.Direction, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Held, err = f.ReadSlot(); err != nil {
		return err
	}
	for _, p := range []*int8{&m.CursorX, &m.CursorY, &m.CursorZ} {
		if *p, err = f.ReadInt8(); err != nil {
			return err
		}
	}
	return nil
}

// HeldItemChangeMessage (0x09) - Hotbar selection
type HeldItemChangeMessage struct {
	Slot int16
}

func (m *HeldItemChangeMessage) PacketID() int32 { return TypeHeldItemChangeSB }

func (m *HeldItemChangeMessage) EncodeTo(f *Frame) error {
	f.WriteInt16(m.Slot)
	return nil
}

func (m *HeldItemChangeMessage) Decode(f *Frame) error {
	var err error
	m.Slot, err = f.ReadInt16()
	return err
}

// AnimationMessage (0x0A) - Arm swing and similar
type AnimationMessage struct {
	EntityID  int32
	Animation int8
}

func (m *AnimationMessage) PacketID() int32 { return TypeAnimation }

func (m *AnimationMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.EntityID)
	f.WriteInt8(m.Animation)
	return nil
}

func (m *AnimationMessage) Decode(f *Frame) error {
	var err error
	if m.EntityID, err = f.ReadInt32(); err != nil {
		return err
	}
	m.Animation, err = f.ReadInt8()
	return err
}

// EntityActionMessage (0x0B) - Crouch, sprint, leave bed
type EntityActionMessage struct {
	EntityID  int32
	Action    int8
	JumpBoost int32
}

func (m *EntityActionMessage) PacketID() int32 { return TypeEntityAction }

func (m *EntityActionMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.EntityID)
	f.WriteInt8(m.Action)
	f.WriteInt32(m.JumpBoost)
	return nil
}

func (m *EntityActionMessage) Decode(f *Frame) error {
	var err error
	if m.EntityID, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Action, err = f.ReadInt8(); err != nil {
		return err
	}
	m.JumpBoost, err = f.ReadInt32()
	return err
}

// SteerVehicleMessage (0x0C)
type SteerVehicleMessage struct {
	Sideways, Forward float32
	Jump, Unmount     bool
}

func (m *SteerVehicleMessage) PacketID() int32 { return TypeSteerVehicle }

func (m *SteerVehicleMessage) EncodeTo(f *Frame) error {
	f.WriteFloat32(m.Sideways)
	f.WriteFloat32(m.Forward)
	f.WriteBool(m.Jump)
	f.WriteBool(m.Unmount)
	return nil
}

func (m *SteerVehicleMessage) Decode(f *Frame) error {
	var err error
	if m.Sideways, err = f.ReadFloat32(); err != nil {
		return err
	}
	if m.Forward, err = f.ReadFloat32(); err != nil {
		return err
	}
	if m.Jump, err = f.ReadBool(); err != nil {
		return err
	}
	m.Unmount, err = f.ReadBool()
	return err
}

// CloseWindowMessage (0x0D)
type CloseWindowMessage struct {
	WindowID int8
}

func (m *CloseWindowMessage) PacketID() int32 { return TypeCloseWindow }

func (m *CloseWindowMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.WindowID)
	return nil
}

func (m *CloseWindowMessage) Decode(f *Frame) error {
	var err error
	m.WindowID, err = f.ReadInt8()
	return err
}

// Click window modes
const (
	ClickModeNormal    = 0
	ClickModeShift     = 1
	ClickModeNumber    = 2
	ClickModeMiddle    = 3
	ClickModeDrop      = 4
	ClickModeDragPaint = 5
	ClickModeDouble    = 6
)

// ClickWindowMessage (0x0E) - Inventory click. Mode 5 frames form a
// drag-paint gesture: button 0/4 starts, 1/5 adds a slot, 2/6 ends.
type ClickWindowMessage struct {
	WindowID int8
	Slot     int16
	Button   int8
	Action   int16
	Mode     int8
	Clicked  Slot
}

func (m *ClickWindowMessage) PacketID() int32 { return TypeClickWindow }

func (m *ClickWindowMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.WindowID)
	f.WriteInt16(m.Slot)
	f.WriteInt8(m.Button)
	f.WriteInt16(m.Action)
	f.WriteInt8(m.Mode)
	return f.WriteSlot(m.Clicked)
}

func (m *ClickWindowMessage) Decode(f *Frame) error {
	var err error
	if m.WindowID, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Slot, err = f.ReadInt16(); err != nil {
		return err
	}
	if m.Button, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Action, err = f.ReadInt16(); err != nil {
		return err
	}
	if m.Mode, err = f.ReadInt8(); err != nil {
		return err
	}
	m.Clicked, err = f.ReadSlot()
	return err
}

// IsDragEnd reports whether the click closes a drag-paint gesture.
func (m *ClickWindowMessage) IsDragEnd() bool {
	return m.Mode == ClickModeDragPaint && (m.Button == 2 || m.Button == 6)
}

// ConfirmTransactionMessage (0x0F) - Client acknowledges a rejected click
type ConfirmTransactionMessage struct {
	WindowID int8
	Action   int16
	Accepted bool
}

func (m *ConfirmTransactionMessage) PacketID() int32 { return TypeConfirmTxSB }

func (m *ConfirmTransactionMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.WindowID)
	f.WriteInt16(m.Action)
	f.WriteBool(m.Accepted)
	return nil
}

func (m *ConfirmTransactionMessage) Decode(f *Frame) error {
	var err error
	if m.WindowID, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Action, err = f.ReadInt16(); err != nil {
		return err
	}
	m.Accepted, err = f.ReadBool()
	return err
}

// CreativeInventoryMessage (0x10) - Creative mode sets a slot directly
type CreativeInventoryMessage struct {
	Slot int16
	Item Slot
}

func (m *CreativeInventoryMessage) PacketID() int32 { return TypeCreativeInventory }

func (m *CreativeInventoryMessage) EncodeTo(f *Frame) error {
	f.WriteInt16(m.Slot)
	return f.WriteSlot(m.Item)
}

func (m *CreativeInventoryMessage) Decode(f *Frame) error {
	var err error
	if m.Slot, err = f.ReadInt16(); err != nil {
		return err
	}
	m.Item, err = f.ReadSlot()
	return err
}

// EnchantItemMessage (0x11)
type EnchantItemMessage struct {
	WindowID    int8
	Enchantment int8
}

func (m *EnchantItemMessage) PacketID() int32 { return TypeEnchantItem }

func (m *EnchantItemMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.WindowID)
	f.WriteInt8(m.Enchantment)
	return nil
}

func (m *EnchantItemMessage) Decode(f *Frame) error {
	var err error
	if m.WindowID, err = f.ReadInt8(); err != nil {
		return err
	}
	m.Enchantment, err = f.ReadInt8()
	return err
}

// UpdateSignMessage (0x12) - Text entered into a sign
type UpdateSignMessage struct {
	X     int32
	Y     int16
	Z     int32
	Lines [4]string
}

func (m *UpdateSignMessage) PacketID() int32 { return TypeUpdateSignSB }

func (m *UpdateSignMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.X)
	f.WriteInt16(m.Y)
	f.WriteInt32(m.Z)
	for _, l := range m.Lines {
		if err := f.WriteString(l, MaxSignLine); err != nil {
			return err
		}
	}
	return nil
}

func (m *UpdateSignMessage) Decode(f *Frame) error {
	var err error
	if m.X, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Y, err = f.ReadInt16(); err != nil {
		return err
	}
	if m.Z, err = f.ReadInt32(); err != nil {
		return err
	}
	for i := range m.Lines {
		if m.Lines[i], err = f.ReadString(MaxSignLine); err != nil {
			return err
		}
	}
	return nil
}

// PlayerAbilitiesMessage (0x13)
type PlayerAbilitiesMessage struct {
	Flags       int8
	FlyingSpeed float32
	WalkSpeed   float32
}

func (m *PlayerAbilitiesMessage) PacketID() int32 { return TypePlayerAbilities }

func (m *PlayerAbilitiesMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.Flags)
	f.WriteFloat32(m.FlyingSpeed)
	f.WriteFloat32(m.WalkSpeed)
	return nil
}

func (m *PlayerAbilitiesMessage) Decode(f *Frame) error {
	var err error
	if m.Flags, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.FlyingSpeed, err = f.ReadFloat32(); err != nil {
		return err
	}
	m.WalkSpeed, err = f.ReadFloat32()
	return err
}

// TabCompleteMessage (0x14)
type TabCompleteMessage struct {
	Text string
}

func (m *TabCompleteMessage) PacketID() int32 { return TypeTabComplete }

func (m *TabCompleteMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.Text, MaxStringLength)
}

func (m *TabCompleteMessage) Decode(f *Frame) error {
	var err error
	m.Text, err = f.ReadString(MaxStringLength)
	return err
}

// ClientSettingsMessage (0x15)
type ClientSettingsMessage struct {
	Locale       string
	ViewDistance int8
	ChatFlags    int8
	ChatColors   bool
	Difficulty   int8
	ShowCape     bool
}

func (m *ClientSettingsMessage) PacketID() int32 { return TypeClientSettings }

func (m *ClientSettingsMessage) EncodeTo(f *Frame) error {
	if err := f.WriteString(m.Locale, 16); err != nil {
		return err
	}
	f.WriteInt8(m.ViewDistance)
	f.WriteInt8(m.ChatFlags)
	f.WriteBool(m.ChatColors)
	f.WriteInt8(m.Difficulty)
	f.WriteBool(m.ShowCape)
	return nil
}

func (m *ClientSettingsMessage) Decode(f *Frame) error {
	var err error
	if m.Locale, err = f.ReadString(16); err != nil {
		return err
	}
	if m.ViewDistance, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.ChatFlags, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.ChatColors, err = f.ReadBool(); err != nil {
		return err
	}
	if m.Difficulty, err = f.ReadInt8(); err != nil {
		return err
	}
	m.ShowCape, err = f.ReadBool()
	return err
}

// ClientStatusMessage (0x16) - Respawn request and statistics queries
type ClientStatusMessage struct {
	Action int8
}

func (m *ClientStatusMessage) PacketID() int32 { return TypeClientStatus }

func (m *ClientStatusMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.Action)
	return nil
}

func (m *ClientStatusMessage) Decode(f *Frame) error {
	var err error
	m.Action, err = f.ReadInt8()
	return err
}

// PluginMessage (0x17) - Opaque channel payload
type PluginMessage struct {
	Channel string
	Data    []byte
}

func (m *PluginMessage) PacketID() int32 { return TypePluginMessage }

func (m *PluginMessage) EncodeTo(f *Frame) error {
	if err := f.WriteString(m.Channel, MaxChannelLength); err != nil {
		return err
	}
	return f.WriteShortBytes(m.Data)
}

func (m *PluginMessage) Decode(f *Frame) error {
	var err error
	if m.Channel, err = f.ReadString(MaxChannelLength); err != nil {
		return err
	}
	m.Data, err = f.ReadShortBytes(maxPluginPayload)
	return err
}
