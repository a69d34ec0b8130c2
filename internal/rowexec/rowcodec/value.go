package rowcodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// Value is a single attribute's decoded form: a null flag plus a typed
// payload. This is the currency the Interpreter's registers and RowOps'
// attribute reads/writes trade in.
type Value struct {
	Null  bool
	I64   int64
	U64   uint64
	F64   float64
	B     bool
	Bytes []byte // FixedBinary / Varchar / VarBinary payload
}

// sizeOf returns the number of bytes val occupies when packed for attr a.
func sizeOf(a schema.Attr, val Value) int {
	if val.Null {
		return 0
	}
	switch a.Type {
	case schema.TypeInt32, schema.TypeUint32:
		return 4
	case schema.TypeInt64, schema.TypeUint64, schema.TypeFloat64:
		return 8
	case schema.TypeBool:
		return 1
	case schema.TypeFixedBinary:
		return a.Size
	case schema.TypeVarchar, schema.TypeVarBinary:
		return len(val.Bytes)
	default:
		return 0
	}
}

// packFixed writes val's bytes for a fixed-width attribute a into buf
// (which must be exactly a.Width() bytes).
func packFixed(a schema.Attr, val Value, buf []byte) {
	switch a.Type {
	case schema.TypeInt32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(val.I64)))
	case schema.TypeUint32:
		binary.LittleEndian.PutUint32(buf, uint32(val.U64))
	case schema.TypeInt64:
		binary.LittleEndian.PutUint64(buf, uint64(val.I64))
	case schema.TypeUint64:
		binary.LittleEndian.PutUint64(buf, val.U64)
	case schema.TypeFloat64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val.F64))
	case schema.TypeBool:
		if val.B {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
	case schema.TypeFixedBinary:
		copy(buf, val.Bytes)
	}
}

// unpackFixed reads a fixed-width attribute a's value from buf (exactly
// a.Width() bytes).
func unpackFixed(a schema.Attr, buf []byte) Value {
	switch a.Type {
	case schema.TypeInt32:
		return Value{I64: int64(int32(binary.LittleEndian.Uint32(buf)))}
	case schema.TypeUint32:
		return Value{U64: uint64(binary.LittleEndian.Uint32(buf))}
	case schema.TypeInt64:
		return Value{I64: int64(binary.LittleEndian.Uint64(buf))}
	case schema.TypeUint64:
		return Value{U64: binary.LittleEndian.Uint64(buf)}
	case schema.TypeFloat64:
		return Value{F64: math.Float64frombits(binary.LittleEndian.Uint64(buf))}
	case schema.TypeBool:
		return Value{B: buf[0] != 0}
	case schema.TypeFixedBinary:
		dst := make([]byte, len(buf))
		copy(dst, buf)
		return Value{Bytes: dst}
	default:
		return Value{Null: true}
	}
}

// PackScalar packs a single attribute's value into its fixed-width wire
// form, for callers (e.g. a primary-key index) that need one attribute's
// bytes without building a whole row. buf must be exactly a.Width() bytes;
// panics if a is not fixed-size.
func PackScalar(a schema.Attr, v Value, buf []byte) {
	packFixed(a, v, buf)
}

// AsI64 coerces a numeric Value to int64 for arithmetic/comparison use by
// the Interpreter; it does not itself check for NULL.
func (v Value) AsI64() int64 {
	switch {
	case v.U64 != 0 && v.I64 == 0 && v.F64 == 0:
		return int64(v.U64)
	case v.F64 != 0:
		return int64(v.F64)
	default:
		return v.I64
	}
}

func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	if v.Bytes != nil {
		return fmt.Sprintf("%q", v.Bytes)
	}
	return fmt.Sprintf("%v", v.I64)
}
