package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

// maxSlotNBT bounds both the compressed and the decompressed item metadata.
const maxSlotNBT = 32 * 1024

var ErrSlotMetadata = errors.New("invalid item metadata")

// Slot is one inventory stack. A Slot with ItemID -1 is empty and carries
// no other fields on the wire.
type Slot struct {
	ItemID int16
	Count  int8
	Damage int16
	Tag    Compound
}

// EmptySlot is the wire representation of an empty inventory position.
var EmptySlot = Slot{ItemID: -1}

func (s Slot) IsEmpty() bool { return s.ItemID < 0 }

// WriteSlot writes s, compressing any attached metadata with gzip.
func (f *Frame) WriteSlot(s Slot) error {
	if s.IsEmpty() {
		f.WriteInt16(-1)
		return nil
	}
	f.WriteInt16(s.ItemID)
	f.WriteInt8(s.Count)
	f.WriteInt16(s.Damage)
	if s.Tag == nil {
		f.WriteInt16(-1)
		return nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := WriteNBT(zw, "", s.Tag); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if buf.Len() > math.MaxInt16 {
		return ErrArrayTooLarge
	}
	return f.WriteShortBytes(buf.Bytes())
}

// ReadSlot reads a slot written by WriteSlot.
func (f *Frame) ReadSlot() (Slot, error) {
	id, err := f.ReadInt16()
	if err != nil {
		return Slot{}, err
	}
	if id < 0 {
		return EmptySlot, nil
	}
	s := Slot{ItemID: id}
	if s.Count, err = f.ReadInt8(); err != nil {
		return Slot{}, err
	}
	if s.Damage, err = f.ReadInt16(); err != nil {
		return Slot{}, err
	}
	n, err := f.ReadInt16()
	if err != nil {
		return Slot{}, err
	}
	if n < 0 {
		return s, nil
	}
	if int(n) > maxSlotNBT {
		return Slot{}, ErrArrayTooLarge
	}
	raw, err := f.ReadBytes(int(n))
	if err != nil {
		return Slot{}, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Slot{}, errors.Join(ErrSlotMetadata, err)
	}
	defer zr.Close()
	_, tag, err := ReadNBT(io.LimitReader(zr, maxSlotNBT))
	if err != nil {
		return Slot{}, errors.Join(ErrSlotMetadata, err)
	}
	s.Tag = tag
	return s, nil
}
