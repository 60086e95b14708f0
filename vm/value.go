package vm

import (
	"fmt"
	"strconv"
)

// ValueKind discriminates the runtime value representation.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindObjectRef
	KindLambdaRef
	KindPromiseRef
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindObjectRef:
		return "objectref"
	case KindLambdaRef:
		return "lambdaref"
	case KindPromiseRef:
		return "promiseref"
	default:
		return "invalid"
	}
}

// Value is the single slot type for the operand stack, globals, frame locals
// and promise results. Object references carry heap handles, never pointers,
// so a stale reference can be detected instead of dereferenced.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	fn   *Lambda
}

// ---------------------------------------------------------------------------
// Constructors

func Null() Value              { return Value{kind: KindNull} }
func Int32Value(v int32) Value { return Value{kind: KindInt32, i: int64(v)} }
func Int64Value(v int64) Value { return Value{kind: KindInt64, i: v} }

func Float32Value(v float32) Value { return Value{kind: KindFloat32, f: float64(v)} }
func Float64Value(v float64) Value { return Value{kind: KindFloat64, f: v} }

func BoolValue(b bool) Value {
	if b {
		return Int32Value(1)
	}
	return Int32Value(0)
}

// ObjectValue wraps a heap handle. Handle 0 is reserved and never issued, so
// ObjectValue(0) is not a valid reference.
func ObjectValue(h Handle) Value { return Value{kind: KindObjectRef, i: int64(h)} }

func LambdaValue(fn *Lambda) Value { return Value{kind: KindLambdaRef, fn: fn} }

func PromiseValue(id int32) Value { return Value{kind: KindPromiseRef, i: int64(id)} }

// ---------------------------------------------------------------------------
// Inspection

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) IsNumeric() bool {
	switch v.kind {
	case KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	}
	return false
}

func (v Value) AsInt32() int32     { return int32(v.i) }
func (v Value) AsInt64() int64     { return v.i }
func (v Value) AsFloat32() float32 { return float32(v.f) }
func (v Value) AsFloat64() float64 { return v.f }
func (v Value) AsHandle() Handle   { return Handle(v.i) }
func (v Value) AsLambda() *Lambda  { return v.fn }
func (v Value) AsPromiseID() int32 { return int32(v.i) }

// ---------------------------------------------------------------------------
// Conversions

// ToInt32 converts any numeric value to int32, truncating floats.
func (v Value) ToInt32() int32 {
	switch v.kind {
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return int32(v.i)
	case KindFloat32:
		return int32(float32(v.f))
	case KindFloat64:
		return int32(v.f)
	default:
		return 0
	}
}

func (v Value) ToInt64() int64 {
	switch v.kind {
	case KindInt32, KindInt64:
		return v.i
	case KindFloat32:
		return int64(float32(v.f))
	case KindFloat64:
		return int64(v.f)
	default:
		return 0
	}
}

func (v Value) ToFloat64() float64 {
	switch v.kind {
	case KindInt32, KindInt64:
		return float64(v.i)
	case KindFloat32, KindFloat64:
		return v.f
	default:
		return 0
	}
}

// IsTruthy follows the conditional-jump convention: zero and null are false,
// everything else is true.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindInt32, KindInt64:
		return v.i != 0
	case KindFloat32, KindFloat64:
		return v.f != 0
	default:
		return true
	}
}

// String renders the value without heap access; string object contents are
// resolved by the VM print path, which has the heap at hand.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindObjectRef:
		return fmt.Sprintf("<object@%d>", v.i)
	case KindLambdaRef:
		return fmt.Sprintf("<lambda@%d>", v.fn.Entry)
	case KindPromiseRef:
		return fmt.Sprintf("<promise#%d>", v.i)
	default:
		return "<invalid>"
	}
}
