package protocol

import (
	"errors"
	"io"
)

const (
	// MaxVarIntLen is the longest encoding of a 32-bit varint.
	MaxVarIntLen = 5

	// MaxLengthPrefixLen bounds the frame length prefix. A prefix still
	// unterminated after this many bytes is a framing error.
	MaxLengthPrefixLen = 4
)

var (
	ErrMalformedVarint = errors.New("malformed varint")
	ErrVarIntTooLong   = errors.New("varint exceeds maximum length")
)

// VarIntSize returns the number of bytes AppendUvarint32 writes for v.
func VarIntSize(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendUvarint32 appends the minimal 7-bit little-endian group encoding of v.
func AppendUvarint32(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeUvarint32 decodes a varint from the front of b.
//
// It returns the value and the number of bytes consumed. When b holds only
// a prefix of a valid varint it returns n == 0 and a nil error so callers
// can wait for more bytes. Padded (non-minimal) encodings and encodings that
// overflow 32 bits are rejected, so every value has exactly one encoding.
func DecodeUvarint32(b []byte) (uint32, int, error) {
	return decodeUvarint(b, MaxVarIntLen)
}

func decodeUvarint(b []byte, maxLen int) (uint32, int, error) {
	var v uint32
	for i := 0; i < maxLen; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		c := b[i]
		if i == MaxVarIntLen-1 && c&0xF0 != 0 {
			return 0, 0, ErrVarIntTooLong
		}
		v |= uint32(c&0x7F) << (7 * i)
		if c&0x80 == 0 {
			if i > 0 && c == 0 {
				return 0, 0, ErrMalformedVarint
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooLong
}

// ReadVarInt reads a varint one byte at a time.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var buf [MaxVarIntLen]byte
	for i := 0; i < MaxVarIntLen; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf[i] = c
		if c&0x80 == 0 {
			v, _, err := DecodeUvarint32(buf[:i+1])
			return int32(v), err
		}
	}
	return 0, ErrVarIntTooLong
}
