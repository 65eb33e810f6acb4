package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// valueJSON is the wire form of a Value:
//
//	{"type": "float32", "value": 1.5}
//	{"type": "uint8[]", "value": [1, 0, 3]}
type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v in its tagged wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return nil, ErrInvalidValue
	}

	payload := v.data
	// encoding/json writes []byte as base64; byte sequences are numbers here.
	if b, ok := v.data.([]uint8); ok {
		ints := make([]int, len(b))
		for i, x := range b {
			ints[i] = int(x)
		}
		payload = ints
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("types: failed to marshal %s value: %w", v.TypeName(), err)
	}
	return json.Marshal(valueJSON{Type: v.TypeName(), Value: raw})
}

// UnmarshalJSON decodes the tagged wire form. Integers are parsed from their
// literal text so uint64 values keep full precision.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, elem, err := ParseTypeName(w.Type)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(w.Value))
	dec.UseNumber()

	if kind == KindScalar {
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("types: invalid %s value: %w", w.Type, err)
		}
		parsed, err := parseScalar(elem, n)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}

	var ns []json.Number
	if err := dec.Decode(&ns); err != nil {
		return fmt.Errorf("types: invalid %s value: %w", w.Type, err)
	}
	parsed, err := parseSequence(elem, ns)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func parseScalar(elem ElementType, n json.Number) (Value, error) {
	s := n.String()
	switch elem {
	case ElemInt32:
		x, err := strconv.ParseInt(s, 10, 32)
		return Int32(int32(x)), numErr(elem, s, err)
	case ElemUint8:
		x, err := strconv.ParseUint(s, 10, 8)
		return Uint8(uint8(x)), numErr(elem, s, err)
	case ElemChar:
		x, err := strconv.ParseUint(s, 10, 8)
		return Char(byte(x)), numErr(elem, s, err)
	case ElemUint32:
		x, err := strconv.ParseUint(s, 10, 32)
		return Uint32(uint32(x)), numErr(elem, s, err)
	case ElemUint64:
		x, err := strconv.ParseUint(s, 10, 64)
		return Uint64(x), numErr(elem, s, err)
	case ElemFloat32:
		x, err := strconv.ParseFloat(s, 32)
		return Float32(float32(x)), numErr(elem, s, err)
	case ElemFloat64:
		x, err := strconv.ParseFloat(s, 64)
		return Float64(x), numErr(elem, s, err)
	}
	return Value{}, fmt.Errorf("%w: %s", ErrUnknownElementType, elem)
}

func parseSequence(elem ElementType, ns []json.Number) (Value, error) {
	switch elem {
	case ElemInt32:
		out, err := collect(elem, ns, func(v Value) int32 { x, _ := Scalar[int32](v); return x })
		return Int32s(out), err
	case ElemUint8:
		out, err := collect(elem, ns, func(v Value) uint8 { x, _ := Scalar[uint8](v); return x })
		return Uint8s(out), err
	case ElemChar:
		out, err := collect(elem, ns, func(v Value) byte { x, _ := Scalar[uint8](v); return x })
		return Chars(out), err
	case ElemUint32:
		out, err := collect(elem, ns, func(v Value) uint32 { x, _ := Scalar[uint32](v); return x })
		return Uint32s(out), err
	case ElemUint64:
		out, err := collect(elem, ns, func(v Value) uint64 { x, _ := Scalar[uint64](v); return x })
		return Uint64s(out), err
	case ElemFloat32:
		out, err := collect(elem, ns, func(v Value) float32 { x, _ := Scalar[float32](v); return x })
		return Float32s(out), err
	case ElemFloat64:
		out, err := collect(elem, ns, func(v Value) float64 { x, _ := Scalar[float64](v); return x })
		return Float64s(out), err
	}
	return Value{}, fmt.Errorf("%w: %s", ErrUnknownElementType, elem)
}

func collect[T any](elem ElementType, ns []json.Number, get func(Value) T) ([]T, error) {
	out := make([]T, len(ns))
	for i, n := range ns {
		v, err := parseScalar(elem, n)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = get(v)
	}
	return out, nil
}

func numErr(elem ElementType, s string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("types: %q is not a valid %s: %w", s, elem, err)
}
