package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// TagType identifies a structured metadata (NBT) tag.
type TagType byte

const (
	TagEnd TagType = iota
	TagByte
	TagShort
	TagInt
	TagLong
	TagFloat
	TagDouble
	TagByteArray
	TagString
	TagList
	TagCompound
	TagIntArray
)

const (
	maxNBTDepth     = 512
	maxNBTArrayLen  = 1 << 20
	maxNBTStringLen = math.MaxUint16
)

var (
	ErrNBTUnknownTag   = errors.New("nbt: unknown tag type")
	ErrNBTTooDeep      = errors.New("nbt: nesting too deep")
	ErrNBTRootType     = errors.New("nbt: root must be a compound")
	ErrNBTMixedList    = errors.New("nbt: list elements must share one type")
	ErrNBTUnsupported  = errors.New("nbt: unsupported Go value")
	ErrNBTArrayTooLong = errors.New("nbt: array length out of range")
)

// Compound is a named set of tags. Values are int8, int16, int32, int64,
// float32, float64, []byte, string, List, Compound or []int32.
type Compound map[string]any

// List is a homogeneous, length-prefixed sequence of unnamed tags.
type List struct {
	ElemType TagType
	Items    []any
}

func tagTypeOf(v any) (TagType, error) {
	switch v.(type) {
	case int8:
		return TagByte, nil
	case int16:
		return TagShort, nil
	case int32:
		return TagInt, nil
	case int64:
		return TagLong, nil
	case float32:
		return TagFloat, nil
	case float64:
		return TagDouble, nil
	case []byte:
		return TagByteArray, nil
	case string:
		return TagString, nil
	case List:
		return TagList, nil
	case Compound:
		return TagCompound, nil
	case []int32:
		return TagIntArray, nil
	}
	return TagEnd, fmt.Errorf("%w: %T", ErrNBTUnsupported, v)
}

type nbtWriter struct {
	w   *bufio.Writer
	err error
	tmp [8]byte
}

func (nw *nbtWriter) bytes(b []byte) {
	if nw.err == nil {
		_, nw.err = nw.w.Write(b)
	}
}

func (nw *nbtWriter) u8(v byte) {
	nw.tmp[0] = v
	nw.bytes(nw.tmp[:1])
}

func (nw *nbtWriter) u16(v uint16) {
	binary.BigEndian.PutUint16(nw.tmp[:2], v)
	nw.bytes(nw.tmp[:2])
}

func (nw *nbtWriter) u32(v uint32) {
	binary.BigEndian.PutUint32(nw.tmp[:4], v)
	nw.bytes(nw.tmp[:4])
}

func (nw *nbtWriter) u64(v uint64) {
	binary.BigEndian.PutUint64(nw.tmp[:8], v)
	nw.bytes(nw.tmp[:8])
}

func (nw *nbtWriter) str(s string) {
	if len(s) > maxNBTStringLen {
		nw.fail(ErrStringTooLong)
		return
	}
	nw.u16(uint16(len(s)))
	nw.bytes([]byte(s))
}

func (nw *nbtWriter) fail(err error) {
	if nw.err == nil {
		nw.err = err
	}
}

func (nw *nbtWriter) payload(t TagType, v any, depth int) {
	if depth > maxNBTDepth {
		nw.fail(ErrNBTTooDeep)
		return
	}
	switch t {
	case TagByte:
		nw.u8(byte(v.(int8)))
	case TagShort:
		nw.u16(uint16(v.(int16)))
	case TagInt:
		nw.u32(uint32(v.(int32)))
	case TagLong:
		nw.u64(uint64(v.(int64)))
	case TagFloat:
		nw.u32(math.Float32bits(v.(float32)))
	case TagDouble:
		nw.u64(math.Float64bits(v.(float64)))
	case TagByteArray:
		b := v.([]byte)
		nw.u32(uint32(len(b)))
		nw.bytes(b)
	case TagString:
		nw.str(v.(string))
	case TagIntArray:
		a := v.([]int32)
		nw.u32(uint32(len(a)))
		for _, x := range a {
			nw.u32(uint32(x))
		}
	case TagList:
		l := v.(List)
		elem := l.ElemType
		if len(l.Items) == 0 && elem == TagEnd {
			nw.u8(byte(TagEnd))
			nw.u32(0)
			return
		}
		nw.u8(byte(elem))
		nw.u32(uint32(len(l.Items)))
		for _, item := range l.Items {
			it, err := tagTypeOf(item)
			if err != nil {
				nw.fail(err)
				return
			}
			if it != elem {
				nw.fail(ErrNBTMixedList)
				return
			}
			nw.payload(elem, item, depth+1)
		}
	case TagCompound:
		c := v.(Compound)
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ct, err := tagTypeOf(c[k])
			if err != nil {
				nw.fail(err)
				return
			}
			nw.u8(byte(ct))
			nw.str(k)
			nw.payload(ct, c[k], depth+1)
		}
		nw.u8(byte(TagEnd))
	default:
		nw.fail(ErrNBTUnknownTag)
	}
}

// WriteNBT writes root as a named compound tag. Compound keys are written
// in sorted order so equal values encode identically.
func WriteNBT(w io.Writer, name string, root Compound) error {
	nw := &nbtWriter{w: bufio.NewWriter(w)}
	nw.u8(byte(TagCompound))
	nw.str(name)
	nw.payload(TagCompound, root, 0)
	if nw.err != nil {
		return nw.err
	}
	return nw.w.Flush()
}

type nbtReader struct {
	r   io.Reader
	tmp [8]byte
}

func (nr *nbtReader) full(n int) ([]byte, error) {
	if _, err := io.ReadFull(nr.r, nr.tmp[:n]); err != nil {
		return nil, err
	}
	return nr.tmp[:n], nil
}

func (nr *nbtReader) u8() (byte, error) {
	b, err := nr.full(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (nr *nbtReader) u16() (uint16, error) {
	b, err := nr.full(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (nr *nbtReader) u32() (uint32, error) {
	b, err := nr.full(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (nr *nbtReader) u64() (uint64, error) {
	b, err := nr.full(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (nr *nbtReader) str() (string, error) {
	n, err := nr.u16()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(nr.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (nr *nbtReader) arrayLen() (int, error) {
	n, err := nr.u32()
	if err != nil {
		return 0, err
	}
	if int32(n) < 0 || n > maxNBTArrayLen {
		return 0, ErrNBTArrayTooLong
	}
	return int(n), nil
}

func (nr *nbtReader) payload(t TagType, depth int) (any, error) {
	if depth > maxNBTDepth {
		return nil, ErrNBTTooDeep
	}
	switch t {
	case TagByte:
		v, err := nr.u8()
		return int8(v), err
	case TagShort:
		v, err := nr.u16()
		return int16(v), err
	case TagInt:
		v, err := nr.u32()
		return int32(v), err
	case TagLong:
		v, err := nr.u64()
		return int64(v), err
	case TagFloat:
		v, err := nr.u32()
		return math.Float32frombits(v), err
	case TagDouble:
		v, err := nr.u64()
		return math.Float64frombits(v), err
	case TagByteArray:
		n, err := nr.arrayLen()
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		_, err = io.ReadFull(nr.r, b)
		return b, err
	case TagString:
		return nr.str()
	case TagIntArray:
		n, err := nr.arrayLen()
		if err != nil {
			return nil, err
		}
		a := make([]int32, n)
		for i := range a {
			v, err := nr.u32()
			if err != nil {
				return nil, err
			}
			a[i] = int32(v)
		}
		return a, nil
	case TagList:
		et, err := nr.u8()
		if err != nil {
			return nil, err
		}
		n, err := nr.arrayLen()
		if err != nil {
			return nil, err
		}
		if TagType(et) == TagEnd && n > 0 {
			return nil, ErrNBTUnknownTag
		}
		l := List{ElemType: TagType(et), Items: make([]any, 0, min(n, 1024))}
		for i := 0; i < n; i++ {
			item, err := nr.payload(TagType(et), depth+1)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, item)
		}
		return l, nil
	case TagCompound:
		c := Compound{}
		for {
			ct, err := nr.u8()
			if err != nil {
				return nil, err
			}
			if TagType(ct) == TagEnd {
				return c, nil
			}
			name, err := nr.str()
			if err != nil {
				return nil, err
			}
			v, err := nr.payload(TagType(ct), depth+1)
			if err != nil {
				return nil, err
			}
			c[name] = v
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNBTUnknownTag, t)
}

// ReadNBT reads a named root compound written by WriteNBT.
func ReadNBT(r io.Reader) (string, Compound, error) {
	nr := &nbtReader{r: r}
	t, err := nr.u8()
	if err != nil {
		return "", nil, err
	}
	if TagType(t) != TagCompound {
		return "", nil, ErrNBTRootType
	}
	name, err := nr.str()
	if err != nil {
		return "", nil, err
	}
	v, err := nr.payload(TagCompound, 0)
	if err != nil {
		return "", nil, err
	}
	return name, v.(Compound), nil
}
