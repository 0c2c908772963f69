package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTag() Compound {
	return Compound{
		"display": Compound{
			"Name": "Excalibur",
			"Lore": List{ElemType: TagString, Items: []any{"sharp", "old"}},
		},
		"ench": List{ElemType: TagCompound, Items: []any{
			Compound{"id": int16(16), "lvl": int16(5)},
		}},
		"Unbreakable": int8(1),
		"RepairCost":  int32(3),
		"Seed":        int64(-99),
		"Speed":       float32(0.25),
		"Weight":      float64(12.5),
		"Raw":         []byte{1, 2, 3},
		"Colors":      []int32{0xFF0000, 0x00FF00},
	}
}

func TestNBTRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNBT(&buf, "tag", sampleTag()))

	name, got, err := ReadNBT(&buf)
	require.NoError(t, err)
	assert.Equal(t, "tag", name)
	assert.Equal(t, sampleTag(), got)
}

func TestNBTDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, WriteNBT(&a, "", sampleTag()))
	require.NoError(t, WriteNBT(&b, "", sampleTag()))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestNBTRejects(t *testing.T) {
	t.Run("mixed list", func(t *testing.T) {
		bad := Compound{"l": List{ElemType: TagInt, Items: []any{int32(1), "two"}}}
		err := WriteNBT(&bytes.Buffer{}, "", bad)
		assert.ErrorIs(t, err, ErrNBTMixedList)
	})

	t.Run("unsupported value", func(t *testing.T) {
		err := WriteNBT(&bytes.Buffer{}, "", Compound{"u": uint64(1)})
		assert.ErrorIs(t, err, ErrNBTUnsupported)
	})

	t.Run("nesting on write", func(t *testing.T) {
		c := Compound{}
		for i := 0; i < 600; i++ {
			c = Compound{"a": c}
		}
		err := WriteNBT(&bytes.Buffer{}, "", c)
		assert.ErrorIs(t, err, ErrNBTTooDeep)
	})

	t.Run("nesting on read", func(t *testing.T) {
		raw := []byte{byte(TagCompound), 0, 0}
		for i := 0; i < 600; i++ {
			raw = append(raw, byte(TagCompound), 0, 1, 'a')
		}
		_, _, err := ReadNBT(bytes.NewReader(raw))
		assert.ErrorIs(t, err, ErrNBTTooDeep)
	})

	t.Run("root not a compound", func(t *testing.T) {
		_, _, err := ReadNBT(bytes.NewReader([]byte{byte(TagInt), 0, 0, 0, 0, 0, 1}))
		assert.ErrorIs(t, err, ErrNBTRootType)
	})

	t.Run("unknown tag", func(t *testing.T) {
		raw := []byte{byte(TagCompound), 0, 0, 99, 0, 1, 'x'}
		_, _, err := ReadNBT(bytes.NewReader(raw))
		assert.ErrorIs(t, err, ErrNBTUnknownTag)
	})

	t.Run("negative array length", func(t *testing.T) {
		raw := []byte{byte(TagCompound), 0, 0, byte(TagByteArray), 0, 1, 'b', 0xFF, 0xFF, 0xFF, 0xFF}
		_, _, err := ReadNBT(bytes.NewReader(raw))
		assert.ErrorIs(t, err, ErrNBTArrayTooLong)
	})
}

func TestSlotRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		slot Slot
	}{
		{"empty", EmptySlot},
		{"plain stack", Slot{ItemID: 1, Count: 64, Damage: 0}},
		{"damaged tool", Slot{ItemID: 276, Count: 1, Damage: 12}},
		{"with metadata", Slot{ItemID: 276, Count: 1, Tag: sampleTag()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFrame(0)
			require.NoError(t, f.WriteSlot(tt.slot))
			got, err := f.ReadSlot()
			require.NoError(t, err)
			assert.Equal(t, tt.slot, got)
			assert.Equal(t, 0, f.Remaining())
		})
	}
}

func TestSlotWireLayout(t *testing.T) {
	f := NewFrame(0)
	require.NoError(t, f.WriteSlot(EmptySlot))
	assert.Equal(t, []byte{0xFF, 0xFF}, f.Bytes())

	f.Reset()
	require.NoError(t, f.WriteSlot(Slot{ItemID: 3, Count: 2, Damage: 1}))
	assert.Equal(t, []byte{0, 3, 2, 0, 1, 0xFF, 0xFF}, f.Bytes())
}

func TestSlotCorruptMetadata(t *testing.T) {
	f := NewFrame(0)
	f.WriteInt16(5)
	f.WriteInt8(1)
	f.WriteInt16(0)
	require.NoError(t, f.WriteShortBytes([]byte("not gzip")))

	_, err := f.ReadSlot()
	assert.ErrorIs(t, err, ErrSlotMetadata)
}
