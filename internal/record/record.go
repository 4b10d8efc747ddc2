// Package record implements the SQLite record format: varints, serial
// types, and the header+body encoding used for every table and index
// payload.
package record

import (
	"encoding/binary"
	"math"

	serrors "github.com/revred/sharc/errors"
)

// SQLite Record Format
//
// A record consists of:
// 1. Header: varint header_size, followed by varint type codes for each column
// 2. Body: column values in sequence
//
// Serial type codes:
//   0: NULL
//   1: 8-bit signed integer
//   2: 16-bit big-endian signed integer
//   3: 24-bit big-endian signed integer
//   4: 32-bit big-endian signed integer
//   5: 48-bit big-endian signed integer
//   6: 64-bit big-endian signed integer
//   7: IEEE 754 float64 (big-endian)
//   8: integer constant 0 (no data stored)
//   9: integer constant 1 (no data stored)
//   10,11: reserved, illegal in a well-formed database
//   N>=12 (even): BLOB of (N-12)/2 bytes
//   N>=13 (odd): TEXT of (N-13)/2 bytes

// SerialType represents a SQLite serial type code.
type SerialType uint64

const (
	SerialTypeNull    SerialType = 0
	SerialTypeInt8    SerialType = 1
	SerialTypeInt16   SerialType = 2
	SerialTypeInt24   SerialType = 3
	SerialTypeInt32   SerialType = 4
	SerialTypeInt48   SerialType = 5
	SerialTypeInt64   SerialType = 6
	SerialTypeFloat64 SerialType = 7
	SerialTypeZero    SerialType = 8
	SerialTypeOne     SerialType = 9
)

// Encoding identifies the database text encoding.
type Encoding uint32

const (
	EncodingUTF8    Encoding = 1
	EncodingUTF16LE Encoding = 2
	EncodingUTF16BE Encoding = 3
)

// ValueType represents the logical type of a decoded value.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeInteger
	TypeFloat
	TypeText
	TypeBlob
)

// Value is a decoded column value. Text and Blob reference the record
// bytes they were decoded from; callers that outlive the underlying page
// must copy them.
type Value struct {
	Type   ValueType
	Int    int64
	Float  float64
	Bytes  []byte // Text or blob body
	Enc    Encoding
	Serial SerialType
}

// Null returns a NULL value.
func Null() Value { return Value{Type: TypeNull, Serial: SerialTypeNull} }

// Integer returns an integer value.
func Integer(v int64) Value { return Value{Type: TypeInteger, Int: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{Type: TypeFloat, Float: v, Serial: SerialTypeFloat64} }

// Text returns a text value in the given encoding.
func Text(b []byte, enc Encoding) Value { return Value{Type: TypeText, Bytes: b, Enc: enc} }

// Blob returns a blob value.
func Blob(b []byte) Value { return Value{Type: TypeBlob, Bytes: b} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Type == TypeNull }

// SerialTypeSize returns the body size in bytes for a serial type.
// Returns -1 for the reserved types 10 and 11.
func SerialTypeSize(t SerialType) int {
	switch t {
	case SerialTypeNull, SerialTypeZero, SerialTypeOne:
		return 0
	case SerialTypeInt8:
		return 1
	case SerialTypeInt16:
		return 2
	case SerialTypeInt24:
		return 3
	case SerialTypeInt32:
		return 4
	case SerialTypeInt48:
		return 6
	case SerialTypeInt64, SerialTypeFloat64:
		return 8
	case 10, 11:
		return -1
	}
	if t&1 == 0 {
		return int(t-12) / 2
	}
	return int(t-13) / 2
}

// decodeInt decodes a big-endian signed integer body of the given serial
// type, sign-extending 24-bit and 48-bit values.
func decodeInt(t SerialType, body []byte) int64 {
	switch t {
	case SerialTypeInt8:
		return int64(int8(body[0]))
	case SerialTypeInt16:
		return int64(int16(binary.BigEndian.Uint16(body)))
	case SerialTypeInt24:
		v := int64(body[0])<<16 | int64(body[1])<<8 | int64(body[2])
		if v&0x800000 != 0 {
			v |= ^int64(0xffffff) // sign-extend bit 23
		}
		return v
	case SerialTypeInt32:
		return int64(int32(binary.BigEndian.Uint32(body)))
	case SerialTypeInt48:
		v := int64(body[0])<<40 | int64(body[1])<<32 | int64(body[2])<<24 |
			int64(body[3])<<16 | int64(body[4])<<8 | int64(body[5])
		if v&0x800000000000 != 0 {
			v |= ^int64(0xffffffffffff) // sign-extend bit 47
		}
		return v
	case SerialTypeInt64:
		return int64(binary.BigEndian.Uint64(body))
	}
	return 0
}

// decodeValue decodes one body of the given serial type.
func decodeValue(t SerialType, body []byte, enc Encoding) Value {
	switch {
	case t == SerialTypeNull:
		return Value{Type: TypeNull, Serial: t}
	case t >= SerialTypeInt8 && t <= SerialTypeInt64:
		return Value{Type: TypeInteger, Int: decodeInt(t, body), Serial: t}
	case t == SerialTypeFloat64:
		return Value{Type: TypeFloat, Float: math.Float64frombits(binary.BigEndian.Uint64(body)), Serial: t}
	case t == SerialTypeZero:
		return Value{Type: TypeInteger, Int: 0, Serial: t}
	case t == SerialTypeOne:
		return Value{Type: TypeInteger, Int: 1, Serial: t}
	case t&1 == 0:
		return Value{Type: TypeBlob, Bytes: body, Serial: t}
	default:
		return Value{Type: TypeText, Bytes: body, Enc: enc, Serial: t}
	}
}

// DecodeRecord decodes all columns of a record. The returned values
// borrow text/blob bodies from data.
func DecodeRecord(data []byte, enc Encoding) ([]Value, error) {
	return AppendRecord(nil, data, enc)
}

// AppendRecord decodes all columns of a record, appending into dst so a
// caller can reuse one slice across rows.
func AppendRecord(dst []Value, data []byte, enc Encoding) ([]Value, error) {
	headerSize, n := GetVarint(data)
	if n == 0 || headerSize > uint64(len(data)) || headerSize < uint64(n) {
		return nil, serrors.NewPage(0, 0, "decode record", "invalid header length")
	}

	headerOff := n
	bodyOff := int(headerSize)
	for headerOff < int(headerSize) {
		st, sn := GetVarint(data[headerOff:])
		if sn == 0 {
			return nil, serrors.NewPage(0, headerOff, "decode record", "truncated serial type")
		}
		headerOff += sn

		t := SerialType(st)
		size := SerialTypeSize(t)
		if size < 0 {
			return nil, serrors.NewPage(0, headerOff, "decode record", "reserved serial type")
		}
		if bodyOff+size > len(data) {
			return nil, serrors.NewPage(0, bodyOff, "decode record", "body extends past record")
		}
		dst = append(dst, decodeValue(t, data[bodyOff:bodyOff+size], enc))
		bodyOff += size
	}
	return dst, nil
}

// ColumnCount returns the number of columns in a record without decoding
// any bodies.
func ColumnCount(data []byte) (int, error) {
	headerSize, n := GetVarint(data)
	if n == 0 || headerSize > uint64(len(data)) || headerSize < uint64(n) {
		return 0, serrors.NewPage(0, 0, "count columns", "invalid header length")
	}
	count := 0
	for off := n; off < int(headerSize); {
		_, sn := GetVarint(data[off:])
		if sn == 0 {
			return 0, serrors.NewPage(0, off, "count columns", "truncated serial type")
		}
		off += sn
		count++
	}
	return count, nil
}

// DecodeColumn decodes only the column at the given ordinal, skipping the
// header varints past it and summing prior body sizes. Ordinals beyond the
// record's column count decode as NULL so that rows written before a
// schema gained columns still read cleanly.
func DecodeColumn(data []byte, index int, enc Encoding) (Value, error) {
	if index < 0 {
		return Value{}, serrors.NewRange("column index", index, -1)
	}
	headerSize, n := GetVarint(data)
	if n == 0 || headerSize > uint64(len(data)) || headerSize < uint64(n) {
		return Value{}, serrors.NewPage(0, 0, "decode column", "invalid header length")
	}

	headerOff := n
	bodyOff := int(headerSize)
	for col := 0; headerOff < int(headerSize); col++ {
		st, sn := GetVarint(data[headerOff:])
		if sn == 0 {
			return Value{}, serrors.NewPage(0, headerOff, "decode column", "truncated serial type")
		}
		headerOff += sn

		t := SerialType(st)
		size := SerialTypeSize(t)
		if size < 0 {
			return Value{}, serrors.NewPage(0, headerOff, "decode column", "reserved serial type")
		}
		if bodyOff+size > len(data) {
			return Value{}, serrors.NewPage(0, bodyOff, "decode column", "body extends past record")
		}
		if col == index {
			return decodeValue(t, data[bodyOff:bodyOff+size], enc), nil
		}
		bodyOff += size
	}
	return Null(), nil
}

// serialTypeFor picks the smallest serial type that represents v.
func serialTypeFor(v Value) (SerialType, int) {
	switch v.Type {
	case TypeNull:
		return SerialTypeNull, 0
	case TypeInteger:
		i := v.Int
		switch {
		case i == 0:
			return SerialTypeZero, 0
		case i == 1:
			return SerialTypeOne, 0
		case i >= math.MinInt8 && i <= math.MaxInt8:
			return SerialTypeInt8, 1
		case i >= math.MinInt16 && i <= math.MaxInt16:
			return SerialTypeInt16, 2
		case i >= -(1<<23) && i < (1<<23):
			return SerialTypeInt24, 3
		case i >= math.MinInt32 && i <= math.MaxInt32:
			return SerialTypeInt32, 4
		case i >= -(1<<47) && i < (1<<47):
			return SerialTypeInt48, 6
		default:
			return SerialTypeInt64, 8
		}
	case TypeFloat:
		return SerialTypeFloat64, 8
	case TypeBlob:
		return SerialType(12 + 2*len(v.Bytes)), len(v.Bytes)
	default: // TypeText
		return SerialType(13 + 2*len(v.Bytes)), len(v.Bytes)
	}
}

// putIntBody writes the big-endian body for an integer serial type.
func putIntBody(buf []byte, t SerialType, i int64) []byte {
	switch t {
	case SerialTypeInt8:
		return append(buf, byte(i))
	case SerialTypeInt16:
		return append(buf, byte(i>>8), byte(i))
	case SerialTypeInt24:
		return append(buf, byte(i>>16), byte(i>>8), byte(i))
	case SerialTypeInt32:
		return append(buf, byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
	case SerialTypeInt48:
		return append(buf, byte(i>>40), byte(i>>32), byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
	case SerialTypeInt64:
		return append(buf, byte(i>>56), byte(i>>48), byte(i>>40), byte(i>>32), byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
	}
	return buf
}

// EncodeRecord encodes column values into record bytes. rowidAlias, when
// >= 0, names the ordinal of an INTEGER PRIMARY KEY column; its value
// lives in the cell rowid, so it is written as serial type 0 regardless of
// the supplied value.
func EncodeRecord(values []Value, rowidAlias int) ([]byte, error) {
	types := make([]SerialType, len(values))
	headerBody := 0
	bodySize := 0
	for i, v := range values {
		if i == rowidAlias {
			types[i] = SerialTypeNull
			headerBody++
			continue
		}
		t, size := serialTypeFor(v)
		types[i] = t
		headerBody += VarintLen(uint64(t))
		bodySize += size
	}

	// The header-size varint counts itself; sizing it is a fixpoint that
	// settles in at most two rounds.
	headerSize := headerBody + VarintLen(uint64(headerBody)+1)
	headerSize = headerBody + VarintLen(uint64(headerSize))

	buf := make([]byte, 0, headerSize+bodySize)
	buf = AppendVarint(buf, uint64(headerSize))
	for _, t := range types {
		buf = AppendVarint(buf, uint64(t))
	}
	for i, v := range values {
		if i == rowidAlias {
			continue
		}
		switch t := types[i]; {
		case t == SerialTypeNull, t == SerialTypeZero, t == SerialTypeOne:
		case t >= SerialTypeInt8 && t <= SerialTypeInt64:
			buf = putIntBody(buf, t, v.Int)
		case t == SerialTypeFloat64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
			buf = append(buf, b[:]...)
		default:
			buf = append(buf, v.Bytes...)
		}
	}
	return buf, nil
}
