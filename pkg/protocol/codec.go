package protocol

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest accepted value of a frame's length prefix
	// (opcode plus payload).
	MaxFrameSize = 2 * 1024 * 1024

	// ProtocolVersion is the wire protocol version this server speaks.
	ProtocolVersion = 5

	// GameVersion is reported in the status response.
	GameVersion = "1.7.10"
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (2 MiB)")
	ErrInvalidFrameLength = errors.New("invalid frame length")
	ErrTrailingBytes      = errors.New("frame length does not match its contents")
)

// DecodeLength inspects the accumulated bytes of a frame that starts at
// buf[0] and reports how many more bytes are needed to complete it.
//
// It returns 0 once a full frame is present, a positive count while the
// frame is incomplete, or an error if the length prefix is malformed or
// declares a frame larger than MaxFrameSize. The count never exceeds the
// true remaining length of a valid frame, so feeding exactly the requested
// number of bytes never reads past a frame boundary.
func DecodeLength(buf []byte) (int, error) {
	length, n, err := decodeUvarint(buf, MaxLengthPrefixLen)
	if err != nil {
		return 0, fmt.Errorf("%w: length prefix: %v", ErrMalformedVarint, err)
	}
	if n == 0 {
		return 1, nil
	}
	if length == 0 {
		return 0, ErrInvalidFrameLength
	}
	if length > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	total := n + int(length)
	if len(buf) >= total {
		return 0, nil
	}
	return total - len(buf), nil
}

// Packet is a single protocol message: an opcode and its payload. The
// payload frame excludes both the length prefix and the opcode.
type Packet struct {
	ID      int32
	Payload *Frame
}

// WireSize returns the number of bytes Encode produces.
func (p *Packet) WireSize() int {
	body := VarIntSize(uint32(p.ID)) + p.Payload.Len()
	return VarIntSize(uint32(body)) + body
}

// Encode writes the packet as varint(length) varint(opcode) payload into a
// new frame.
func (p *Packet) Encode() (*Frame, error) {
	body := VarIntSize(uint32(p.ID)) + p.Payload.Len()
	if body > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := NewFrame(VarIntSize(uint32(body)) + body)
	out.WriteVarInt(int32(body))
	out.WriteVarInt(p.ID)
	_, _ = out.Write(p.Payload.Bytes())
	return out, nil
}

// DecodePacket parses one complete frame (length prefix included). The
// payload is copied so wire may be reused by the caller.
func DecodePacket(wire []byte) (*Packet, error) {
	length, n, err := decodeUvarint(wire, MaxLengthPrefixLen)
	if err != nil {
		return nil, fmt.Errorf("%w: length prefix: %v", ErrMalformedVarint, err)
	}
	if n == 0 || length == 0 {
		return nil, ErrInvalidFrameLength
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(wire)-n != int(length) {
		return nil, ErrTrailingBytes
	}
	body := wire[n:]
	id, idLen, err := DecodeUvarint32(body)
	if err != nil {
		return nil, fmt.Errorf("%w: opcode: %v", ErrMalformedVarint, err)
	}
	if idLen == 0 {
		return nil, fmt.Errorf("%w: opcode truncated", ErrMalformedVarint)
	}
	payload := make([]byte, len(body)-idLen)
	copy(payload, body[idLen:])
	return &Packet{ID: int32(id), Payload: FrameFrom(payload)}, nil
}

// Message is implemented by every typed protocol message.
type Message interface {
	// PacketID returns the opcode the message is sent under.
	PacketID() int32
	// EncodeTo appends the message fields to f.
	EncodeTo(f *Frame) error
	// Decode reads the message fields from f.
	Decode(f *Frame) error
}

// Marshal encodes m into a packet.
func Marshal(m Message) (*Packet, error) {
	f := NewFrame(64)
	if err := m.EncodeTo(f); err != nil {
		return nil, err
	}
	return &Packet{ID: m.PacketID(), Payload: f}, nil
}

// Unmarshal decodes the packet payload into m and requires every payload
// byte to be consumed.
func Unmarshal(p *Packet, m Message) error {
	p.Payload.Rewind()
	if err := m.Decode(p.Payload); err != nil {
		return fmt.Errorf("decode packet 0x%02X: %w", p.ID, err)
	}
	if p.Payload.Remaining() != 0 {
		return fmt.Errorf("decode packet 0x%02X: %w", p.ID, ErrTrailingBytes)
	}
	return nil
}

// EncodeMessage is a helper that produces the wire bytes for m.
func EncodeMessage(m Message) ([]byte, error) {
	p, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	f, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}
