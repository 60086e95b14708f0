package vm

import "encoding/binary"

// Handle identifies a heap object. Handles are stable for the lifetime of the
// object and are never reused within a single heap; 0 is the nil handle.
type Handle uint32

// NilHandle is never issued by the heap.
const NilHandle Handle = 0

// GCFlags is the per-object flag bitset.
type GCFlags uint8

const (
	FlagMarked    GCFlags = 0x01
	FlagFinalizer GCFlags = 0x02
	FlagFinalized GCFlags = 0x04
	FlagPinned    GCFlags = 0x08
	FlagOldGen    GCFlags = 0x10
	FlagArray     GCFlags = 0x20
	FlagStatic    GCFlags = 0x40
)

// ObjectType tags the heap object layout.
type ObjectType uint8

const (
	TypeInstance ObjectType = iota
	TypeArrayInt
	TypeArrayLong
	TypeArrayFloat
	TypeArrayDouble
	TypeArrayByte
	TypeArrayChar
	TypeArrayShort
	TypeArrayObject
	TypeString
	TypeClassInfo
)

func (t ObjectType) String() string {
	switch t {
	case TypeInstance:
		return "INSTANCE"
	case TypeArrayInt:
		return "ARRAY_INT"
	case TypeArrayLong:
		return "ARRAY_LONG"
	case TypeArrayFloat:
		return "ARRAY_FLOAT"
	case TypeArrayDouble:
		return "ARRAY_DOUBLE"
	case TypeArrayByte:
		return "ARRAY_BYTE"
	case TypeArrayChar:
		return "ARRAY_CHAR"
	case TypeArrayShort:
		return "ARRAY_SHORT"
	case TypeArrayObject:
		return "ARRAY_OBJECT"
	case TypeString:
		return "STRING"
	case TypeClassInfo:
		return "CLASS_INFO"
	default:
		return "UNKNOWN"
	}
}

// ElemSize returns the array element width in bytes for array types.
func (t ObjectType) ElemSize() int {
	switch t {
	case TypeArrayByte:
		return 1
	case TypeArrayShort, TypeArrayChar:
		return 2
	case TypeArrayLong, TypeArrayDouble:
		return 8
	default:
		return 4
	}
}

// GCObject is one heap allocation. The header fields mirror the on-heap
// layout; Data is a view into the owning arena and is zeroed at allocation.
// Arrays keep their element count in the first four payload bytes; strings
// are length + bytes + NUL.
type GCObject struct {
	Handle  Handle
	ClassID uint32
	Size    uint32 // rounded total, header included
	Type    ObjectType
	Flags   GCFlags
	Age     uint16
	Data    []byte
}

func (o *GCObject) IsMarked() bool { return o.Flags&FlagMarked != 0 }
func (o *GCObject) Mark()          { o.Flags |= FlagMarked }
func (o *GCObject) Unmark()        { o.Flags &^= FlagMarked }
func (o *GCObject) IsOldGen() bool { return o.Flags&FlagOldGen != 0 }
func (o *GCObject) IsArray() bool  { return o.Flags&FlagArray != 0 }
func (o *GCObject) IsPinned() bool { return o.Flags&FlagPinned != 0 }

// ---------------------------------------------------------------------------
// Array payload access

// ArrayLength reads the element count prefix.
func (o *GCObject) ArrayLength() int32 {
	return int32(binary.LittleEndian.Uint32(o.Data))
}

func (o *GCObject) elemOffset(index int32) int {
	return 4 + int(index)*o.Type.ElemSize()
}

// InBounds reports whether index is a valid element index.
func (o *GCObject) InBounds(index int32) bool {
	return index >= 0 && index < o.ArrayLength()
}

// Elem reads an array element as a Value of the array's element kind.
func (o *GCObject) Elem(index int32) Value {
	off := o.elemOffset(index)
	switch o.Type {
	case TypeArrayLong:
		return Int64Value(int64(binary.LittleEndian.Uint64(o.Data[off:])))
	case TypeArrayFloat:
		bits := binary.LittleEndian.Uint32(o.Data[off:])
		return Float32Value(decodeFloat32(int32(bits)))
	case TypeArrayDouble:
		lo := int32(binary.LittleEndian.Uint32(o.Data[off:]))
		hi := int32(binary.LittleEndian.Uint32(o.Data[off+4:]))
		return Float64Value(decodeFloat64(lo, hi))
	case TypeArrayByte:
		return Int32Value(int32(int8(o.Data[off])))
	case TypeArrayShort:
		return Int32Value(int32(int16(binary.LittleEndian.Uint16(o.Data[off:]))))
	case TypeArrayChar:
		return Int32Value(int32(binary.LittleEndian.Uint16(o.Data[off:])))
	case TypeArrayObject:
		h := Handle(binary.LittleEndian.Uint32(o.Data[off:]))
		if h == NilHandle {
			return Null()
		}
		return ObjectValue(h)
	default:
		return Int32Value(int32(binary.LittleEndian.Uint32(o.Data[off:])))
	}
}

// SetElem writes an array element, converting v to the element kind.
func (o *GCObject) SetElem(index int32, v Value) {
	off := o.elemOffset(index)
	switch o.Type {
	case TypeArrayLong:
		binary.LittleEndian.PutUint64(o.Data[off:], uint64(v.ToInt64()))
	case TypeArrayFloat:
		binary.LittleEndian.PutUint32(o.Data[off:], uint32(encodeFloat32(float32(v.ToFloat64()))))
	case TypeArrayDouble:
		lo, hi := encodeFloat64(v.ToFloat64())
		binary.LittleEndian.PutUint32(o.Data[off:], uint32(lo))
		binary.LittleEndian.PutUint32(o.Data[off+4:], uint32(hi))
	case TypeArrayByte:
		o.Data[off] = byte(v.ToInt32())
	case TypeArrayShort, TypeArrayChar:
		binary.LittleEndian.PutUint16(o.Data[off:], uint16(v.ToInt32()))
	case TypeArrayObject:
		h := NilHandle
		if v.Kind() == KindObjectRef {
			h = v.AsHandle()
		}
		binary.LittleEndian.PutUint32(o.Data[off:], uint32(h))
	default:
		binary.LittleEndian.PutUint32(o.Data[off:], uint32(v.ToInt32()))
	}
}

// RefAt reads an object-array element handle without boxing.
func (o *GCObject) RefAt(index int32) Handle {
	return Handle(binary.LittleEndian.Uint32(o.Data[o.elemOffset(index):]))
}

// ---------------------------------------------------------------------------
// String payload access

// StringValue decodes a STRING object's payload.
func (o *GCObject) StringValue() string {
	n := int(binary.LittleEndian.Uint32(o.Data))
	return string(o.Data[4 : 4+n])
}
