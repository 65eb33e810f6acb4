package types

import (
	"fmt"
	"math"
)

// Level says where a column's value is read from.
type Level uint8

const (
	// LevelObject columns are read from each object's attribute store.
	LevelObject Level = iota
	// LevelEvent columns are read once per record and repeated on every row.
	LevelEvent
)

// String returns the level name.
func (l Level) String() string {
	if l == LevelEvent {
		return "event"
	}
	return "object"
}

// Transform is a pure function applied to a raw value before it is written.
type Transform uint8

const (
	TransformNone Transform = iota
	// TransformAbs replaces a floating-point scalar by its absolute value.
	TransformAbs
)

// String returns the transform name.
func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformAbs:
		return "abs"
	default:
		return fmt.Sprintf("transform(%d)", uint8(t))
	}
}

// Accepts reports whether t is defined for values of the given type.
func (t Transform) Accepts(kind ValueKind, elem ElementType) bool {
	switch t {
	case TransformNone:
		return true
	case TransformAbs:
		return kind == KindScalar && elem.IsFloat()
	default:
		return false
	}
}

// Apply returns the transformed value.
func (t Transform) Apply(v Value) (Value, error) {
	switch t {
	case TransformNone:
		return v, nil
	case TransformAbs:
		if x, ok := Scalar[float32](v); ok {
			return Float32(float32(math.Abs(float64(x)))), nil
		}
		if x, ok := Scalar[float64](v); ok {
			return Float64(math.Abs(x)), nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s on %s", ErrTransformNotApplicable, t, v.TypeName())
}

// MissingPolicy decides what happens when a column's attribute is absent.
type MissingPolicy uint8

const (
	// MissingFail rejects the record.
	MissingFail MissingPolicy = iota
	// MissingDefault writes the column's default value.
	MissingDefault
)

// String returns the policy name.
func (p MissingPolicy) String() string {
	if p == MissingDefault {
		return "default"
	}
	return "fail"
}

// Column is one named, typed slot of an output schema.
type Column struct {
	// Name is the output column name, e.g. "TauTracks.pt"
	Name string

	// Source is the attribute key read from the record or object
	Source string

	// Level selects the event-level or object-level attribute store
	Level Level

	// Kind and Elem declare the column type
	Kind ValueKind
	Elem ElementType

	// Transform is applied to the raw value before type checking
	Transform Transform

	// OnMissing is the policy for an absent attribute
	OnMissing MissingPolicy

	// Default is written under MissingDefault. The zero Value means
	// ZeroValue(Kind, Elem).
	Default Value
}

// TypeName returns the compact column type, e.g. "uint8[]".
func (c Column) TypeName() string {
	return TypeName(c.Kind, c.Elem)
}

// Accepts reports whether v has exactly the column's kind and element type.
func (c Column) Accepts(v Value) bool {
	return v.IsValid() && v.Kind() == c.Kind && v.Elem() == c.Elem
}

// DefaultValue returns the value written for a missing attribute under
// MissingDefault.
func (c Column) DefaultValue() Value {
	if c.Default.IsValid() {
		return c.Default
	}
	return ZeroValue(c.Kind, c.Elem)
}
