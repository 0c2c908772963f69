package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrShortBuffer is returned when a read would pass the frame's logical length.
	ErrShortBuffer = errors.New("read past end of frame")
	// ErrNegativeLength is returned for a negative length field.
	ErrNegativeLength = errors.New("negative length field")
	// ErrArrayTooLarge is returned for byte arrays above the caller's limit.
	ErrArrayTooLarge = errors.New("byte array exceeds maximum size")
)

// Frame is a growable byte buffer with a write cursor (its length) and a
// read cursor. Reads are bounds checked against the logical length and
// never touch bytes past it.
type Frame struct {
	buf []byte
	off int
}

// NewFrame returns an empty frame with at least capHint bytes of capacity.
func NewFrame(capHint int) *Frame {
	if capHint < 0 {
		capHint = 0
	}
	return &Frame{buf: make([]byte, 0, capHint)}
}

// FrameFrom wraps b without copying. The read cursor starts at zero.
func FrameFrom(b []byte) *Frame {
	return &Frame{buf: b}
}

// Len returns the logical length of the frame.
func (f *Frame) Len() int { return len(f.buf) }

// Cap returns the current capacity.
func (f *Frame) Cap() int { return cap(f.buf) }

// Bytes returns the frame contents up to its logical length.
func (f *Frame) Bytes() []byte { return f.buf }

// Remaining returns the number of unread bytes.
func (f *Frame) Remaining() int { return len(f.buf) - f.off }

// Unread returns the unread tail of the frame without advancing.
func (f *Frame) Unread() []byte { return f.buf[f.off:] }

// Reset empties the frame while keeping its capacity.
func (f *Frame) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
}

// Rewind moves the read cursor back to the start.
func (f *Frame) Rewind() { f.off = 0 }

// Grow ensures space for at least n more bytes without reallocation.
func (f *Frame) Grow(n int) {
	if cap(f.buf)-len(f.buf) >= n {
		return
	}
	nb := make([]byte, len(f.buf), 2*cap(f.buf)+n)
	copy(nb, f.buf)
	f.buf = nb
}

// Write appends p. It implements io.Writer and never fails.
func (f *Frame) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// WriteByte appends c.
func (f *Frame) WriteByte(c byte) error {
	f.buf = append(f.buf, c)
	return nil
}

// ReadByte reads one byte. It implements io.ByteReader.
func (f *Frame) ReadByte() (byte, error) {
	if f.off >= len(f.buf) {
		return 0, ErrShortBuffer
	}
	c := f.buf[f.off]
	f.off++
	return c, nil
}

// Read implements io.Reader over the unread bytes.
func (f *Frame) Read(p []byte) (int, error) {
	if f.off >= len(f.buf) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrShortBuffer
	}
	n := copy(p, f.buf[f.off:])
	f.off += n
	return n, nil
}

// ReadBytes consumes and returns the next n bytes. The returned slice
// aliases the frame.
func (f *Frame) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if f.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := f.buf[f.off : f.off+n]
	f.off += n
	return b, nil
}

func (f *Frame) WriteBool(v bool) {
	if v {
		f.buf = append(f.buf, 1)
		return
	}
	f.buf = append(f.buf, 0)
}

func (f *Frame) WriteInt8(v int8)   { f.buf = append(f.buf, byte(v)) }
func (f *Frame) WriteUint8(v uint8) { f.buf = append(f.buf, v) }

func (f *Frame) WriteInt16(v int16) { f.buf = binary.BigEndian.AppendUint16(f.buf, uint16(v)) }

func (f *Frame) WriteUint16(v uint16) { f.buf = binary.BigEndian.AppendUint16(f.buf, v) }

func (f *Frame) WriteInt32(v int32) { f.buf = binary.BigEndian.AppendUint32(f.buf, uint32(v)) }

func (f *Frame) WriteInt64(v int64) { f.buf = binary.BigEndian.AppendUint64(f.buf, uint64(v)) }

func (f *Frame) WriteFloat32(v float32) {
	f.buf = binary.BigEndian.AppendUint32(f.buf, math.Float32bits(v))
}

func (f *Frame) WriteFloat64(v float64) {
	f.buf = binary.BigEndian.AppendUint64(f.buf, math.Float64bits(v))
}

// WriteVarInt appends v as an unsigned 32-bit varint.
func (f *Frame) WriteVarInt(v int32) { f.buf = AppendUvarint32(f.buf, uint32(v)) }

// WriteShortBytes writes a signed-short length followed by b.
func (f *Frame) WriteShortBytes(b []byte) error {
	if len(b) > math.MaxInt16 {
		return ErrArrayTooLarge
	}
	f.WriteInt16(int16(len(b)))
	f.buf = append(f.buf, b...)
	return nil
}

func (f *Frame) ReadBool() (bool, error) {
	c, err := f.ReadByte()
	return c != 0, err
}

func (f *Frame) ReadInt8() (int8, error) {
	c, err := f.ReadByte()
	return int8(c), err
}

func (f *Frame) ReadUint8() (uint8, error) {
	return f.ReadByte()
}

func (f *Frame) ReadInt16() (int16, error) {
	v, err := f.ReadUint16()
	return int16(v), err
}

func (f *Frame) ReadUint16() (uint16, error) {
	b, err := f.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (f *Frame) ReadInt32() (int32, error) {
	b, err := f.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (f *Frame) ReadInt64() (int64, error) {
	b, err := f.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (f *Frame) ReadFloat32() (float32, error) {
	b, err := f.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (f *Frame) ReadFloat64() (float64, error) {
	b, err := f.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadVarInt reads an unsigned 32-bit varint. A truncated varint is a
// short-buffer error since the frame is already complete.
func (f *Frame) ReadVarInt() (int32, error) {
	v, n, err := DecodeUvarint32(f.buf[f.off:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrShortBuffer
	}
	f.off += n
	return int32(v), nil
}

// ReadShortBytes reads a signed-short length prefixed byte array of at
// most max bytes. The result is a copy.
func (f *Frame) ReadShortBytes(max int) ([]byte, error) {
	n, err := f.ReadInt16()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if int(n) > max {
		return nil, ErrArrayTooLarge
	}
	b, err := f.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
