package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	MaxAddressLength  = 255
	MaxUsernameLength = 16
	MaxServerIDLength = 20
	MaxUUIDLength     = 36

	// maxCryptoBlob bounds encrypted secrets, tokens and public keys.
	maxCryptoBlob = 512
)

var ErrEmptyUsername = errors.New("username cannot be empty")

// HandshakeMessage (0x00) - First frame of every connection
type HandshakeMessage struct {
	ProtocolVersion int32
	Address         string
	Port            uint16
	NextState       int32
}

func (m *HandshakeMessage) PacketID() int32 { return TypeHandshake }

func (m *HandshakeMessage) EncodeTo(f *Frame) error {
	f.WriteVarInt(m.ProtocolVersion)
	if err := f.WriteString(m.Address, MaxAddressLength); err != nil {
		return err
	}
	f.WriteUint16(m.Port)
	f.WriteVarInt(m.NextState)
	return nil
}

func (m *HandshakeMessage) Decode(f *Frame) error {
	var err error
	if m.ProtocolVersion, err = f.ReadVarInt(); err != nil {
		return err
	}
	if m.Address, err = f.ReadString(MaxAddressLength); err != nil {
		return err
	}
	if m.Port, err = f.ReadUint16(); err != nil {
		return err
	}
	m.NextState, err = f.ReadVarInt()
	return err
}

// StatusRequestMessage (0x00) - Server list query, empty payload
type StatusRequestMessage struct{}

func (m *StatusRequestMessage) PacketID() int32         { return TypeStatusRequest }
func (m *StatusRequestMessage) EncodeTo(f *Frame) error { return nil }
func (m *StatusRequestMessage) Decode(f *Frame) error   { return nil }

// StatusResponseMessage (0x00) - Server description as JSON
type StatusResponseMessage struct {
	JSON string
}

func (m *StatusResponseMessage) PacketID() int32 { return TypeStatusResponse }

func (m *StatusResponseMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.JSON, MaxStringLength)
}

func (m *StatusResponseMessage) Decode(f *Frame) error {
	var err error
	m.JSON, err = f.ReadString(MaxStringLength)
	return err
}

// StatusPingMessage (0x01) - Latency probe, echoed back unchanged as the pong
type StatusPingMessage struct {
	Payload int64
}

func (m *StatusPingMessage) PacketID() int32 { return TypeStatusPing }

func (m *StatusPingMessage) EncodeTo(f *Frame) error {
	f.WriteInt64(m.Payload)
	return nil
}

func (m *StatusPingMessage) Decode(f *Frame) error {
	var err error
	m.Payload, err = f.ReadInt64()
	return err
}

// ServerStatus is the JSON document carried by the status response.
type ServerStatus struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
	Description TextComponent `json:"description"`
}

// NewServerStatus fills in the version block for this protocol.
func NewServerStatus(motd string, online, max int) ServerStatus {
	var s ServerStatus
	s.Version.Name = GameVersion
	s.Version.Protocol = ProtocolVersion
	s.Players.Max = max
	s.Players.Online = online
	s.Description = TextComponent{Text: motd}
	return s
}

// TextComponent is the JSON text format used by chat and disconnect reasons.
type TextComponent struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// Text renders a plain JSON text component.
func Text(s string) string {
	b, _ := EncodeJSON(TextComponent{Text: s})
	return b
}

// EncodeJSON renders v for a JSON string field. Characters such as < and >
// are written as is; clients show escaped text literally.
func EncodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// LoginStartMessage (0x00) - Username announcement
type LoginStartMessage struct {
	Username string
}

func (m *LoginStartMessage) PacketID() int32 { return TypeLoginStart }

func (m *LoginStartMessage) EncodeTo(f *Frame) error {
	if m.Username == "" {
		return ErrEmptyUsername
	}
	return f.WriteString(m.Username, MaxUsernameLength)
}

func (m *LoginStartMessage) Decode(f *Frame) error {
	var err error
	if m.Username, err = f.ReadString(MaxUsernameLength); err != nil {
		return err
	}
	if m.Username == "" {
		return ErrEmptyUsername
	}
	return nil
}

// LoginDisconnectMessage (0x00) - Rejects a login with a JSON reason
type LoginDisconnectMessage struct {
	Reason string
}

func (m *LoginDisconnectMessage) PacketID() int32 { return TypeLoginDisconnect }

func (m *LoginDisconnectMessage) EncodeTo(f *Frame) error {
	return f.WriteString(m.Reason, MaxStringLength)
}

func (m *LoginDisconnectMessage) Decode(f *Frame) error {
	var err error
	m.Reason, err = f.ReadString(MaxStringLength)
	return err
}

// EncryptionRequestMessage (0x01) - Server public key and verify token
type EncryptionRequestMessage struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

func (m *EncryptionRequestMessage) PacketID() int32 { return TypeEncryptionRequest }

func (m *EncryptionRequestMessage) EncodeTo(f *Frame) error {
	if err := f.WriteString(m.ServerID, MaxServerIDLength); err != nil {
		return err
	}
	if err := f.WriteShortBytes(m.PublicKey); err != nil {
		return err
	}
	return f.WriteShortBytes(m.VerifyToken)
}

func (m *EncryptionRequestMessage) Decode(f *Frame) error {
	var err error
	if m.ServerID, err = f.ReadString(MaxServerIDLength); err != nil {
		return err
	}
	if m.PublicKey, err = f.ReadShortBytes(maxCryptoBlob); err != nil {
		return err
	}
	m.VerifyToken, err = f.ReadShortBytes(maxCryptoBlob)
	return err
}

// EncryptionResponseMessage (0x01) - RSA-encrypted shared secret and token
type EncryptionResponseMessage struct {
	SharedSecret []byte
	VerifyToken  []byte
}

func (m *EncryptionResponseMessage) PacketID() int32 { return TypeEncryptionResponse }

func (m *EncryptionResponseMessage) EncodeTo(f *Frame) error {
	if err := f.WriteShortBytes(m.SharedSecret); err != nil {
		return err
	}
	return f.WriteShortBytes(m.VerifyToken)
}

func (m *EncryptionResponseMessage) Decode(f *Frame) error {
	var err error
	if m.SharedSecret, err = f.ReadShortBytes(maxCryptoBlob); err != nil {
		return err
	}
	m.VerifyToken, err = f.ReadShortBytes(maxCryptoBlob)
	return err
}

// LoginSuccessMessage (0x02) - Completes login; the connection enters Play
type LoginSuccessMessage struct {
	UUID     string
	Username string
}

func (m *LoginSuccessMessage) PacketID() int32 { return TypeLoginSuccess }

func (m *LoginSuccessMessage) EncodeTo(f *Frame) error {
	if err := f.WriteString(m.UUID, MaxUUIDLength); err != nil {
		return err
	}
	return f.WriteString(m.Username, MaxUsernameLength)
}

func (m *LoginSuccessMessage) Decode(f *Frame) error {
	var err error
	if m.UUID, err = f.ReadString(MaxUUIDLength); err != nil {
		return err
	}
	m.Username, err = f.ReadString(MaxUsernameLength)
	return err
}
