package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

var ErrTooManyRecords = errors.New("too many block records")

// ChunkDataMessage (0x21) - One chunk column. Data is already deflated.
type ChunkDataMessage struct {
	X, Z        int32
	GroundUp    bool
	PrimaryMask uint16
	AddMask     uint16
	Data        []byte
}

func (m *ChunkDataMessage) PacketID() int32 { return TypeChunkData }

func (m *ChunkDataMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.X)
	f.WriteInt32(m.Z)
	f.WriteBool(m.GroundUp)
	f.WriteUint16(m.PrimaryMask)
	f.WriteUint16(m.AddMask)
	f.WriteInt32(int32(len(m.Data)))
	_, _ = f.Write(m.Data)
	return nil
}

func (m *ChunkDataMessage) Decode(f *Frame) error {
	var err error
	if m.X, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Z, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.GroundUp, err = f.ReadBool(); err != nil {
		return err
	}
	if m.PrimaryMask, err = f.ReadUint16(); err != nil {
		return err
	}
	if m.AddMask, err = f.ReadUint16(); err != nil {
		return err
	}
	n, err := f.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrNegativeLength
	}
	b, err := f.ReadBytes(int(n))
	if err != nil {
		return err
	}
	m.Data = append([]byte(nil), b...)
	return nil
}

// Deflate compresses raw section data with zlib at the default level.
func Deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate, refusing output larger than limit bytes.
func Inflate(data []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// NewChunkData builds a ground-up chunk frame from uncompressed section data.
func NewChunkData(x, z int32, primaryMask uint16, raw []byte) (*ChunkDataMessage, error) {
	data, err := Deflate(raw)
	if err != nil {
		return nil, err
	}
	return &ChunkDataMessage{X: x, Z: z, GroundUp: true, PrimaryMask: primaryMask, Data: data}, nil
}

// emptyDeflated is zlib of nothing; computed once since unloads are frequent.
var emptyDeflated = func() []byte {
	b, err := Deflate(nil)
	if err != nil {
		panic(err)
	}
	return b
}()

// UnloadChunk builds the frame that tells a client to forget a column:
// ground-up chunk data with an empty section mask.
func UnloadChunk(x, z int32) *ChunkDataMessage {
	return &ChunkDataMessage{X: x, Z: z, GroundUp: true, Data: emptyDeflated}
}

// BlockRecord is one entry of a multi block change, relative to its chunk.
type BlockRecord struct {
	X, Z uint8 // 0..15
	Y    uint8
	ID   uint16
	Meta uint8
}

func (r BlockRecord) pack() uint32 {
	return uint32(r.Meta&0xF) |
		uint32(r.ID&0xFFF)<<4 |
		uint32(r.Y)<<16 |
		uint32(r.Z&0xF)<<24 |
		uint32(r.X&0xF)<<28
}

func unpackRecord(v uint32) BlockRecord {
	return BlockRecord{
		Meta: uint8(v & 0xF),
		ID:   uint16(v>>4) & 0xFFF,
		Y:    uint8(v >> 16),
		Z:    uint8(v>>24) & 0xF,
		X:    uint8(v >> 28),
	}
}

// MultiBlockChangeMessage (0x22) - Batched changes inside one chunk
type MultiBlockChangeMessage struct {
	ChunkX, ChunkZ int32
	Records        []BlockRecord
}

func (m *MultiBlockChangeMessage) PacketID() int32 { return TypeMultiBlockChange }

func (m *MultiBlockChangeMessage) EncodeTo(f *Frame) error {
	if len(m.Records) > math.MaxInt16 {
		return ErrTooManyRecords
	}
	f.WriteInt32(m.ChunkX)
	f.WriteInt32(m.ChunkZ)
	f.WriteInt16(int16(len(m.Records)))
	f.WriteInt32(int32(len(m.Records) * 4))
	f.Grow(len(m.Records) * 4)
	for _, r := range m.Records {
		f.buf = binary.BigEndian.AppendUint32(f.buf, r.pack())
	}
	return nil
}

func (m *MultiBlockChangeMessage) Decode(f *Frame) error {
	var err error
	if m.ChunkX, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.ChunkZ, err = f.ReadInt32(); err != nil {
		return err
	}
	count, err := f.ReadInt16()
	if err != nil {
		return err
	}
	size, err := f.ReadInt32()
	if err != nil {
		return err
	}
	if count < 0 || size != int32(count)*4 {
		return ErrInvalidFrameLength
	}
	m.Records = make([]BlockRecord, count)
	for i := range m.Records {
		b, err := f.ReadBytes(4)
		if err != nil {
			return err
		}
		m.Records[i] = unpackRecord(binary.BigEndian.Uint32(b))
	}
	return nil
}

// BlockChangeMessage (0x23) - Single block update
type BlockChangeMessage struct {
	X       int32
	Y       uint8
	Z       int32
	BlockID int32
	Meta    uint8
}

func (m *BlockChangeMessage) PacketID() int32 { return TypeBlockChange }

func (m *BlockChangeMessage) EncodeTo(f *Frame) error {
	f.WriteInt32(m.X)
	f.WriteUint8(m.Y)
	f.WriteInt32(m.Z)
	f.WriteVarInt(m.BlockID)
	f.WriteUint8(m.Meta)
	return nil
}

func (m *BlockChangeMessage) Decode(f *Frame) error {
	var err error
	if m.X, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.Y, err = f.ReadUint8(); err != nil {
		return err
	}
	if m.Z, err = f.ReadInt32(); err != nil {
		return err
	}
	if m.BlockID, err = f.ReadVarInt(); err != nil {
		return err
	}
	m.Meta, err = f.ReadUint8()
	return err
}

// BlockUpdateTarget returns the chunk a block-update packet (0x22 or 0x23)
// refers to, read from the payload without moving its cursor. ok is false
// for any other opcode or a payload too short to hold the coordinates.
func BlockUpdateTarget(p *Packet) (cx, cz int32, ok bool) {
	b := p.Payload.Bytes()
	switch p.ID {
	case TypeMultiBlockChange:
		if len(b) < 8 {
			return 0, 0, false
		}
		return int32(binary.BigEndian.Uint32(b[0:4])), int32(binary.BigEndian.Uint32(b[4:8])), true
	case TypeBlockChange:
		if len(b) < 9 {
			return 0, 0, false
		}
		x := int32(binary.BigEndian.Uint32(b[0:4]))
		z := int32(binary.BigEndian.Uint32(b[5:9]))
		return x >> 4, z >> 4, true
	}
	return 0, 0, false
}
