package sink

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/ntupler/ntupler/pkg/types"
)

// Sequence columns are stored in SQLite as BLOBs: the elements packed
// little-endian at their natural width, snappy-compressed.

// EncodeSequence packs and compresses a sequence value.
func EncodeSequence(v types.Value) ([]byte, error) {
	if v.Kind() != types.KindSequence {
		return nil, fmt.Errorf("sink: cannot encode %s as a sequence", v.TypeName())
	}

	var raw []byte
	switch d := v.Interface().(type) {
	case []int32:
		raw = make([]byte, 0, 4*len(d))
		for _, x := range d {
			raw = binary.LittleEndian.AppendUint32(raw, uint32(x))
		}
	case []uint8:
		raw = d
	case []uint32:
		raw = make([]byte, 0, 4*len(d))
		for _, x := range d {
			raw = binary.LittleEndian.AppendUint32(raw, x)
		}
	case []uint64:
		raw = make([]byte, 0, 8*len(d))
		for _, x := range d {
			raw = binary.LittleEndian.AppendUint64(raw, x)
		}
	case []float32:
		raw = make([]byte, 0, 4*len(d))
		for _, x := range d {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(x))
		}
	case []float64:
		raw = make([]byte, 0, 8*len(d))
		for _, x := range d {
			raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(x))
		}
	default:
		return nil, fmt.Errorf("sink: unsupported sequence payload %T", d)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeSequence is the inverse of EncodeSequence.
func DecodeSequence(elem types.ElementType, blob []byte) (types.Value, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return types.Value{}, fmt.Errorf("sink: failed to decompress sequence: %w", err)
	}

	width := elemWidth(elem)
	if width == 0 {
		return types.Value{}, fmt.Errorf("sink: unsupported element type %s", elem)
	}
	if len(raw)%width != 0 {
		return types.Value{}, fmt.Errorf("sink: %d bytes is not a whole number of %s elements", len(raw), elem)
	}
	n := len(raw) / width

	switch elem {
	case types.ElemInt32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return types.Int32s(out), nil
	case types.ElemUint8:
		return types.Uint8s(raw), nil
	case types.ElemChar:
		return types.Chars(raw), nil
	case types.ElemUint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
		return types.Uint32s(out), nil
	case types.ElemUint64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(raw[8*i:])
		}
		return types.Uint64s(out), nil
	case types.ElemFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return types.Float32s(out), nil
	default:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return types.Float64s(out), nil
	}
}

func elemWidth(elem types.ElementType) int {
	switch elem {
	case types.ElemUint8, types.ElemChar:
		return 1
	case types.ElemInt32, types.ElemUint32, types.ElemFloat32:
		return 4
	case types.ElemUint64, types.ElemFloat64:
		return 8
	default:
		return 0
	}
}

// scalarToSQL converts a scalar to the value bound into SQLite. uint64 is
// stored bit-cast to int64.
func scalarToSQL(v types.Value) (any, error) {
	switch d := v.Interface().(type) {
	case int32:
		return int64(d), nil
	case uint8:
		return int64(d), nil
	case uint32:
		return int64(d), nil
	case uint64:
		return int64(d), nil
	case float32:
		return float64(d), nil
	case float64:
		return d, nil
	default:
		return nil, fmt.Errorf("sink: unsupported scalar payload %T", d)
	}
}

// scalarFromSQL is the inverse of scalarToSQL.
func scalarFromSQL(elem types.ElementType, x any) (types.Value, error) {
	switch elem {
	case types.ElemFloat32, types.ElemFloat64:
		f, ok := x.(float64)
		if x == nil {
			f, ok = math.NaN(), true
		}
		if !ok {
			return types.Value{}, fmt.Errorf("sink: expected REAL for %s, got %T", elem, x)
		}
		if elem == types.ElemFloat32 {
			return types.Float32(float32(f)), nil
		}
		return types.Float64(f), nil
	}

	i, ok := x.(int64)
	if !ok {
		return types.Value{}, fmt.Errorf("sink: expected INTEGER for %s, got %T", elem, x)
	}
	switch elem {
	case types.ElemInt32:
		return types.Int32(int32(i)), nil
	case types.ElemUint8:
		return types.Uint8(uint8(i)), nil
	case types.ElemChar:
		return types.Char(byte(i)), nil
	case types.ElemUint32:
		return types.Uint32(uint32(i)), nil
	case types.ElemUint64:
		return types.Uint64(uint64(i)), nil
	default:
		return types.Value{}, fmt.Errorf("sink: unsupported element type %s", elem)
	}
}
