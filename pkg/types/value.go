// Package types provides the core data model shared by the schema builder,
// the row emitter and every sink: typed values, records, columns and rows.
package types

import (
	"fmt"
	"slices"
	"strings"
)

// ValueKind distinguishes single values from variable-length sequences.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindScalar
	KindSequence
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	default:
		return "invalid"
	}
}

// ElementType is the element type of a scalar or of each sequence entry.
type ElementType uint8

const (
	ElemInvalid ElementType = iota
	ElemInt32
	ElemUint8
	ElemUint32
	ElemUint64
	ElemFloat32
	ElemFloat64
	// ElemChar is a single byte flag (ROOT 'char'). It shares the Go
	// representation of ElemUint8 but is a distinct column type.
	ElemChar
)

var elemNames = [...]string{
	ElemInvalid: "invalid",
	ElemInt32:   "int32",
	ElemUint8:   "uint8",
	ElemUint32:  "uint32",
	ElemUint64:  "uint64",
	ElemFloat32: "float32",
	ElemFloat64: "float64",
	ElemChar:    "char",
}

// String returns the element type name used in configs, sidecars and the
// JSON record encoding.
func (e ElementType) String() string {
	if int(e) < len(elemNames) {
		return elemNames[e]
	}
	return fmt.Sprintf("elem(%d)", uint8(e))
}

// IsFloat reports whether the element type is a floating-point type.
func (e ElementType) IsFloat() bool {
	return e == ElemFloat32 || e == ElemFloat64
}

// ParseElementType parses an element type name.
func ParseElementType(s string) (ElementType, error) {
	for i, name := range elemNames {
		if i != int(ElemInvalid) && name == s {
			return ElementType(i), nil
		}
	}
	return ElemInvalid, fmt.Errorf("%w: %q", ErrUnknownElementType, s)
}

// TypeName returns the compact type name: "float32" for a scalar,
// "float32[]" for a sequence.
func TypeName(kind ValueKind, elem ElementType) string {
	if kind == KindSequence {
		return elem.String() + "[]"
	}
	return elem.String()
}

// ParseTypeName is the inverse of TypeName.
func ParseTypeName(s string) (ValueKind, ElementType, error) {
	kind := KindScalar
	if base, ok := strings.CutSuffix(s, "[]"); ok {
		kind = KindSequence
		s = base
	}
	elem, err := ParseElementType(s)
	if err != nil {
		return KindInvalid, ElemInvalid, err
	}
	return kind, elem, nil
}

// Value is a tagged union holding one scalar or one homogeneous sequence.
// The zero Value is invalid. Callers check Kind and Elem before reading the
// payload through the typed accessors.
type Value struct {
	kind ValueKind
	elem ElementType
	data any
}

// Scalar constructors.

func Int32(v int32) Value     { return Value{KindScalar, ElemInt32, v} }
func Uint8(v uint8) Value     { return Value{KindScalar, ElemUint8, v} }
func Uint32(v uint32) Value   { return Value{KindScalar, ElemUint32, v} }
func Uint64(v uint64) Value   { return Value{KindScalar, ElemUint64, v} }
func Float32(v float32) Value { return Value{KindScalar, ElemFloat32, v} }
func Float64(v float64) Value { return Value{KindScalar, ElemFloat64, v} }
func Char(v byte) Value       { return Value{KindScalar, ElemChar, v} }

// Sequence constructors. A nil slice is stored as an empty sequence. The
// slice is not copied; use Clone to detach it from the caller.

func Int32s(v []int32) Value     { return Value{KindSequence, ElemInt32, nonNil(v)} }
func Uint8s(v []uint8) Value     { return Value{KindSequence, ElemUint8, nonNil(v)} }
func Uint32s(v []uint32) Value   { return Value{KindSequence, ElemUint32, nonNil(v)} }
func Uint64s(v []uint64) Value   { return Value{KindSequence, ElemUint64, nonNil(v)} }
func Float32s(v []float32) Value { return Value{KindSequence, ElemFloat32, nonNil(v)} }
func Float64s(v []float64) Value { return Value{KindSequence, ElemFloat64, nonNil(v)} }
func Chars(v []byte) Value       { return Value{KindSequence, ElemChar, nonNil(v)} }

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// ZeroValue returns 0 for a scalar type and an empty sequence for a
// sequence type.
func ZeroValue(kind ValueKind, elem ElementType) Value {
	if kind == KindSequence {
		switch elem {
		case ElemInt32:
			return Int32s(nil)
		case ElemUint8:
			return Uint8s(nil)
		case ElemUint32:
			return Uint32s(nil)
		case ElemUint64:
			return Uint64s(nil)
		case ElemFloat32:
			return Float32s(nil)
		case ElemFloat64:
			return Float64s(nil)
		case ElemChar:
			return Chars(nil)
		}
		return Value{}
	}
	switch elem {
	case ElemInt32:
		return Int32(0)
	case ElemUint8:
		return Uint8(0)
	case ElemUint32:
		return Uint32(0)
	case ElemUint64:
		return Uint64(0)
	case ElemFloat32:
		return Float32(0)
	case ElemFloat64:
		return Float64(0)
	case ElemChar:
		return Char(0)
	}
	return Value{}
}

// Kind returns the value kind.
func (v Value) Kind() ValueKind { return v.kind }

// Elem returns the element type.
func (v Value) Elem() ElementType { return v.elem }

// IsValid reports whether v carries a payload.
func (v Value) IsValid() bool { return v.kind != KindInvalid && v.data != nil }

// TypeName returns the compact type name of v.
func (v Value) TypeName() string { return TypeName(v.kind, v.elem) }

// Interface returns the raw payload: a Go scalar (int32, uint8, uint32,
// uint64, float32, float64) or a slice of one of them.
func (v Value) Interface() any { return v.data }

// Len returns the sequence length, 1 for a scalar and 0 for an invalid value.
func (v Value) Len() int {
	switch d := v.data.(type) {
	case nil:
		return 0
	case []int32:
		return len(d)
	case []uint8:
		return len(d)
	case []uint32:
		return len(d)
	case []uint64:
		return len(d)
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	default:
		return 1
	}
}

// Float returns a scalar numeric value widened to float64.
func (v Value) Float() (float64, bool) {
	if v.kind != KindScalar {
		return 0, false
	}
	switch d := v.data.(type) {
	case int32:
		return float64(d), true
	case uint8:
		return float64(d), true
	case uint32:
		return float64(d), true
	case uint64:
		return float64(d), true
	case float32:
		return float64(d), true
	case float64:
		return d, true
	}
	return 0, false
}

// Clone returns a copy of v whose sequence payload does not alias the
// original slice.
func (v Value) Clone() Value {
	switch d := v.data.(type) {
	case []int32:
		v.data = slices.Clone(d)
	case []uint8:
		v.data = slices.Clone(d)
	case []uint32:
		v.data = slices.Clone(d)
	case []uint64:
		v.data = slices.Clone(d)
	case []float32:
		v.data = slices.Clone(d)
	case []float64:
		v.data = slices.Clone(d)
	}
	return v
}

// Equal reports whether two values have the same tag and payload. Sequences
// compare element-wise; NaN never equals NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.elem != o.elem {
		return false
	}
	switch d := v.data.(type) {
	case []int32:
		return equalSeq(d, o.data)
	case []uint8:
		return equalSeq(d, o.data)
	case []uint32:
		return equalSeq(d, o.data)
	case []uint64:
		return equalSeq(d, o.data)
	case []float32:
		return equalSeq(d, o.data)
	case []float64:
		return equalSeq(d, o.data)
	default:
		return v.data == o.data
	}
}

func equalSeq[T comparable](a []T, other any) bool {
	b, ok := other.([]T)
	return ok && slices.Equal(a, b)
}

// String formats v for logs and the inspect tool.
func (v Value) String() string {
	if !v.IsValid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%v", v.data)
}

// Scalar returns the scalar payload of v as T.
func Scalar[T int32 | uint8 | uint32 | uint64 | float32 | float64](v Value) (T, bool) {
	if v.kind != KindScalar {
		var zero T
		return zero, false
	}
	d, ok := v.data.(T)
	return d, ok
}

// Sequence returns the sequence payload of v as []T. The returned slice
// aliases v.
func Sequence[T int32 | uint8 | uint32 | uint64 | float32 | float64](v Value) ([]T, bool) {
	if v.kind != KindSequence {
		return nil, false
	}
	d, ok := v.data.([]T)
	return d, ok
}
