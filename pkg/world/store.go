package world

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrColumnNotFound       = errors.New("column not stored")
	ErrDecompressionFailed  = errors.New("column decompression failed")
	ErrInvalidCompressedLen = errors.New("compressed column too short")
)

// maxColumnBytes bounds a decompressed column.
const maxColumnBytes = 2 + SectionsPerColumn*sectionWireSize + biomeArea

// Store persists edited columns. Generated-but-untouched columns are never
// stored; they are regenerated on demand.
type Store interface {
	Load(key ChunkKey) (*Column, error)
	Save(key ChunkKey, col *Column) error
	Close() error
}

// BadgerStore keeps columns in a badger database, LZ4 block compressed.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store in dir. An empty dir keeps the
// store in memory only.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open column store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func columnKey(key ChunkKey) []byte {
	b := make([]byte, 0, 13)
	b = append(b, 'c')
	b = binary.BigEndian.AppendUint32(b, uint32(key.World))
	b = binary.BigEndian.AppendUint32(b, uint32(key.Pos.X))
	b = binary.BigEndian.AppendUint32(b, uint32(key.Pos.Z))
	return b
}

func (s *BadgerStore) Load(key ChunkKey) (*Column, error) {
	var col *Column
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(columnKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrColumnNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			raw, err := decompressColumn(v)
			if err != nil {
				return err
			}
			col = &Column{}
			return col.UnmarshalBinary(raw)
		})
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (s *BadgerStore) Save(key ChunkKey, col *Column) error {
	raw, err := col.MarshalBinary()
	if err != nil {
		return err
	}
	v := compressColumn(raw)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(columnKey(key), v)
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// compressColumn prepends the raw size and LZ4 block compresses. A leading
// zero size marks data stored uncompressed.
func compressColumn(raw []byte) []byte {
	out := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(raw)))
	n, err := lz4.CompressBlock(raw, out[4:], nil)
	if err != nil || n == 0 || 4+n >= len(raw) {
		plain := make([]byte, 4+len(raw))
		copy(plain[4:], raw)
		return plain
	}
	return out[:4+n]
}

func decompressColumn(v []byte) ([]byte, error) {
	if len(v) < 4 {
		return nil, ErrInvalidCompressedLen
	}
	size := binary.BigEndian.Uint32(v[:4])
	if size == 0 {
		return append([]byte(nil), v[4:]...), nil
	}
	if size > maxColumnBytes {
		return nil, ErrCorruptColumn
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(v[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
