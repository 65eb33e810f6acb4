package types

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestParseTypeName(t *testing.T) {
	tests := []struct {
		in   string
		kind ValueKind
		elem ElementType
	}{
		{"int32", KindScalar, ElemInt32},
		{"uint64", KindScalar, ElemUint64},
		{"char", KindScalar, ElemChar},
		{"float32[]", KindSequence, ElemFloat32},
		{"uint8[]", KindSequence, ElemUint8},
	}

	for _, tt := range tests {
		kind, elem, err := ParseTypeName(tt.in)
		if err != nil {
			t.Fatalf("ParseTypeName(%q) failed: %v", tt.in, err)
		}
		if kind != tt.kind || elem != tt.elem {
			t.Errorf("ParseTypeName(%q) = %s/%s, want %s/%s", tt.in, kind, elem, tt.kind, tt.elem)
		}
		if got := TypeName(kind, elem); got != tt.in {
			t.Errorf("TypeName round trip: got %q, want %q", got, tt.in)
		}
	}

	if _, _, err := ParseTypeName("int16"); err == nil {
		t.Error("expected error for unknown element type")
	}
}

func TestValue_NilSequenceIsEmpty(t *testing.T) {
	v := Float32s(nil)
	if !v.IsValid() {
		t.Fatal("empty sequence should be valid")
	}
	if v.Len() != 0 {
		t.Errorf("expected length 0, got %d", v.Len())
	}
	if !v.Equal(Float32s([]float32{})) {
		t.Error("nil and empty sequences should be equal")
	}
}

func TestValue_CloneDetaches(t *testing.T) {
	src := []float32{1, 2, 3}
	v := Float32s(src)
	c := v.Clone()

	src[0] = 99
	got, _ := Sequence[float32](c)
	if got[0] != 1 {
		t.Errorf("clone aliases source slice: got %v", got)
	}
}

func TestValue_CharAndUint8AreDistinct(t *testing.T) {
	if Char(1).Equal(Uint8(1)) {
		t.Error("char and uint8 values must not compare equal")
	}
	if x, ok := Scalar[uint8](Char(7)); !ok || x != 7 {
		t.Errorf("char payload: got %d, %v", x, ok)
	}
}

func TestValue_Float(t *testing.T) {
	if f, ok := Int32(-4).Float(); !ok || f != -4 {
		t.Errorf("Int32 Float: got %v, %v", f, ok)
	}
	if _, ok := Float32s([]float32{1}).Float(); ok {
		t.Error("sequence should not convert to float")
	}
}

func TestValue_JSONRoundTrip(t *testing.T) {
	values := []Value{
		Int32(-7),
		Uint8(200),
		Uint32(4000000000),
		Uint64(math.MaxUint64),
		Float32(-3.5),
		Float64(1e-300),
		Char(1),
		Int32s([]int32{1, -2}),
		Uint8s([]uint8{0, 3, 255}),
		Uint32s(nil),
		Uint64s([]uint64{18446744073709551615}),
		Float32s([]float32{0.5, -1.25}),
		Float64s([]float64{2.5}),
		Chars([]byte{0, 1}),
	}

	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", v.TypeName(), err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s (%s): %v", v.TypeName(), data, err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip %s: got %v, want %v", v.TypeName(), got, v)
		}
	}
}

func TestValue_JSONByteSequencesAreNumbers(t *testing.T) {
	data, err := json.Marshal(Uint8s([]uint8{1, 2}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "[1,2]") {
		t.Errorf("expected numeric array, got %s", data)
	}
}

func TestValue_JSONRejectsOutOfRange(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"type":"uint8","value":300}`), &v); err == nil {
		t.Error("expected error for out-of-range uint8")
	}
	if err := json.Unmarshal([]byte(`{"type":"int32[]","value":[1,2.5]}`), &v); err == nil {
		t.Error("expected error for fractional int32 element")
	}
}

func TestRecord_JSON(t *testing.T) {
	input := `{
		"attributes": {"mcEventNumber": {"type": "uint64", "value": 12345678901234}},
		"objects": [
			{"pt": {"type": "float32", "value": 25.5}, "trk_pt": {"type": "float32[]", "value": [1, 2, 3]}},
			{"pt": {"type": "float32", "value": 30}, "trk_pt": {"type": "float32[]", "value": []}}
		]
	}`

	var rec Record
	if err := json.Unmarshal([]byte(input), &rec); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if rec.NumObjects() != 2 {
		t.Fatalf("expected 2 objects, got %d", rec.NumObjects())
	}
	evt, ok := rec.Attribute("mcEventNumber")
	if !ok || !evt.Equal(Uint64(12345678901234)) {
		t.Errorf("unexpected event number: %v", evt)
	}
	trk, _ := rec.Objects[1].Attribute("trk_pt")
	if trk.Len() != 0 || trk.Kind() != KindSequence {
		t.Errorf("expected empty float32 sequence, got %v", trk)
	}
}
