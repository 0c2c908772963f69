package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxStringLength is the protocol-wide limit on string fields, counted in
// UTF-16 code units the way clients count them.
const MaxStringLength = 32767

var (
	ErrStringTooLong = errors.New("string exceeds maximum length")
	ErrInvalidString = errors.New("string is not valid UTF-8")
)

// utf16Len counts the UTF-16 code units needed to represent s.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func validateString(s string, max int) error {
	if max <= 0 || max > MaxStringLength {
		max = MaxStringLength
	}
	if !utf8.ValidString(s) {
		return ErrInvalidString
	}
	if len(s) > max*3 || utf16Len(s) > max {
		return fmt.Errorf("%w (%d)", ErrStringTooLong, max)
	}
	return nil
}

// WriteString writes a varint byte-length prefixed UTF-8 string. Strings
// that are not valid UTF-8 or exceed max code units are rejected; a max of
// zero means MaxStringLength.
func (f *Frame) WriteString(s string, max int) error {
	if err := validateString(s, max); err != nil {
		return err
	}
	f.WriteVarInt(int32(len(s)))
	f.buf = append(f.buf, s...)
	return nil
}

// ReadString reads a string written by WriteString, applying the same
// validation. The byte length is checked before any bytes are consumed.
func (f *Frame) ReadString(max int) (string, error) {
	if max <= 0 || max > MaxStringLength {
		max = MaxStringLength
	}
	n, err := f.ReadVarInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", ErrNegativeLength
	}
	if int(n) > max*3 {
		return "", fmt.Errorf("%w (%d bytes)", ErrStringTooLong, n)
	}
	b, err := f.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	s := string(b)
	if err := validateString(s, max); err != nil {
		return "", err
	}
	return s, nil
}
