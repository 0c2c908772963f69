package protocol

import "math"

// Clientbound Play messages.

// JoinGameMessage (0x01) - First Play frame sent to a new player
type JoinGameMessage struct {
	EntityID   int32
	GameMode   uint8
	Dimension  int8
	Difficulty uint8
	MaxPlayers uint8
	LevelType  string
}

func (m *JoinGameMessage) PacketID() int32 { return TypeJoinGame }

func (m *JoinGameMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.EntityID)
	f.WriteUint8(m.GameMode)
	f.WriteInt8(m.Dimension)
	f.WriteUint8(m.Difficulty)
	f.WriteUint8(m.MaxPlayers)
	return f.WriteString(m.LevelType, 16)
}

func (m *JoinGameMessage) Decode(f *Frame) error {
	var err error
	if m.EntityID, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.GameMode, err = f.ReadUint8(); err != nil {
		return err
	}
	if m.Dimension, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Difficulty, err = f.ReadUint8(); err != nil {
		return err
	}
	if m.MaxPlayers, err = f.ReadUint8(); err != nil {
		return err
	}
	m.LevelType, err = f.ReadString(16)
	return err
}

// ServerChatMessage (0x02) - JSON chat line delivered to the client
type ServerChatMessage struct {
	JSON string
}

func (m *ServerChatMessage) PacketID() int32 { return TypeChatCB }

func (m *ServerChatMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.JSON, MaxStringLength)
}

func (m *ServerChatMessage) Decode(f *Frame) error {
	var err error
	m.JSON, err = f.ReadString(MaxStringLength)
	return err
}

// SpawnPositionMessage (0x05) - Compass target and respawn point
type SpawnPositionMessage struct {
	X, Y, Z int32
}

func (m *SpawnPositionMessage) PacketID() int32 { return TypeSpawnPosition }

func (m *SpawnPositionMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.X)
	f.WriteInt32(m.Y)
	f.WriteInt32(m.Z)
	return nil
}

func (m *SpawnPositionMessage) Decode(f *Frame) error {
	var err error
	if m.X, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Y, err = f.ReadInt32(); err != nil {
		return err
	}
	m.Z, err = f.ReadInt32()
	return err
}

// RespawnMessage (0x07) - Resets the client world view
type RespawnMessage struct {
	Dimension  int32
	Difficulty uint8
	GameMode   uint8
	LevelType  string
}

func (m *RespawnMessage) PacketID() int32 { return TypeRespawn }

func (m *RespawnMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.Dimension)
	f.WriteUint8(m.Difficulty)
	f.WriteUint8(m.GameMode)
	return f.WriteString(m.LevelType, 16)
}

func (m *RespawnMessage) Decode(f *Frame) error {
	var err error
	if m.Dimension, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Difficulty, err = f.ReadUint8(); err != nil {
		return err
	}
	if m.GameMode, err = f.ReadUint8(); err != nil {
		return err
	}
	m.LevelType, err = f.ReadString(16)
	return err
}

// PositionLookMessage (0x08) - Authoritative teleport. Y is eye height.
type PositionLookMessage struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
}

func (m *PositionLookMessage) PacketID() int32 { return TypePositionLookCB }

func (m *PositionLookMessage) EncodeTo(f *Frame) error {
	f.WriteFloat64(m.X)
	f.WriteFloat64(m.Y)
	f.WriteFloat64(m.Z)
	f.WriteFloat32(m.Yaw)
	f.WriteFloat32(m.Pitch)
	f.WriteBool(m.OnGround)
	return nil
}

func (m *PositionLookMessage) Decode(f *Frame) error {
	var err error
	for _, p := range []*float64{&m.X, &m.Y, &m.Z} {
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

// HeldItemSetMessage (0x09) - Server selects a hotbar slot
type HeldItemSetMessage struct {
	Slot int8
}

func (m *HeldItemSetMessage) PacketID() int32 { return TypeHeldItemChangeCB }

func (m *HeldItemSetMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.Slot)
	return nil
}

func (m *HeldItemSetMessage) Decode(f *Frame) error {
	var err error
	m.Slot, err = f.ReadInt8()
	return err
}

// SetSlotMessage (0x2F) - Authoritative contents of one slot
type SetSlotMessage struct {
	WindowID int8
	Slot     int16
	Item     Slot
}

func (m *SetSlotMessage) PacketID() int32 { return TypeSetSlot }

func (m *SetSlotMessage) EncodeTo(f *Frame) error {
	f.WriteInt8(m.WindowID)
	f.WriteInt16(m.Slot)
	return f.WriteSlot(m.Item)
}

func (m *SetSlotMessage) Decode(f *Frame) error {
	var err error
	if m.WindowID, err = f.ReadInt8(); err != nil {
		return err
	}
	if m.Slot, err = f.ReadInt16(); err != nil {
		return err
	}
	m.Item, err = f.ReadSlot()
	return err
}

// WindowItemsMessage (0x30) - Full contents of a window
type WindowItemsMessage struct {
	WindowID uint8
	Items    []Slot
}

func (m *WindowItemsMessage) PacketID() int32 { return TypeWindowItems }

func (m *WindowItemsMessage) EncodeTo(f *Frame) error {
	if len(m.Items) > math.MaxInt16 {
		return ErrArrayTooLarge
	}
	f.WriteUint8(m.WindowID)
	f.WriteInt16(int16(len(m.Items)))
	for _, it := range m.Items {
		if err := f.WriteSlot(it); err != nil {
			return err
		}
	}
	return nil
}

func (m *WindowItemsMessage) Decode(f *Frame) error {
	var err error
	if m.WindowID, err = f.ReadUint8(); err != nil {
		return err
	}
	n, err := f.ReadInt16()
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrNegativeLength
	}
	m.Items = make([]Slot, 0, min(int(n), 128))
	for i := 0; i < int(n); i++ {
		s, err := f.ReadSlot()
		if err != nil {
			return err
		}
		m.Items = append(m.Items, s)
	}
	return nil
}

// TransactionResultMessage (0x32) - Accepts or rejects a window click
type TransactionResultMessage ConfirmTransactionMessage

func (m *TransactionResultMessage) PacketID() int32 { return TypeConfirmTxCB }

func (m *TransactionResultMessage) EncodeTo(f *Frame) error {
	return (*ConfirmTransactionMessage)(m).EncodeTo(f)
}

func (m *TransactionResultMessage) Decode(f *Frame) error {
	return (*ConfirmTransactionMessage)(m).Decode(f)
}

// SignContentMessage (0x33) - Sign text pushed to clients
type SignContentMessage UpdateSignMessage

func (m *SignContentMessage) PacketID() int32 { return TypeUpdateSignCB }

func (m *SignContentMessage) EncodeTo(f *Frame) error {
	return (*UpdateSignMessage)(m).EncodeTo(f)
}

func (m *SignContentMessage) Decode(f *Frame) error {
	return (*UpdateSignMessage)(m).Decode(f)
}

// DisconnectMessage (0x40) - Kick with a JSON reason
type DisconnectMessage struct {
	Reason string
}

func (m *DisconnectMessage) PacketID() int32 { return TypePlayDisconnect }

func (m *DisconnectMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.Reason, MaxStringLength)
}

func (m *DisconnectMessage) Decode(f *Frame) error {
	var err error
	m.Reason, err = f.ReadString(MaxStringLength)
	return err
}
