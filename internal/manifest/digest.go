package manifest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/ntupler/ntupler/pkg/types"
)

// RowDigest hashes the rows written to an output in order. Unlike the file
// checksum it does not depend on the output id or the file format, so two
// runs over the same input produce the same digest.
type RowDigest struct {
	h    *xxh3.Hasher
	buf  []byte
	rows int64
}

// NewRowDigest creates an empty digest.
func NewRowDigest() *RowDigest {
	return &RowDigest{h: xxh3.New()}
}

// Observe adds row to the digest.
func (d *RowDigest) Observe(row types.Row) {
	if d == nil {
		return
	}
	buf := binary.LittleEndian.AppendUint32(d.buf[:0], uint32(len(row)))
	for _, v := range row {
		buf = appendValue(buf, v)
	}
	d.h.Write(buf)
	d.buf = buf
	d.rows++
}

// Rows returns the number of rows observed.
func (d *RowDigest) Rows() int64 {
	if d == nil {
		return 0
	}
	return d.rows
}

// Sum returns the hex digest of the rows observed so far.
func (d *RowDigest) Sum() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%016x", d.h.Sum64())
}

func appendValue(buf []byte, v types.Value) []byte {
	le := binary.LittleEndian
	buf = append(buf, byte(v.Kind()), byte(v.Elem()))
	switch x := v.Interface().(type) {
	case int32:
		buf = le.AppendUint32(buf, uint32(x))
	case uint8:
		buf = append(buf, x)
	case uint32:
		buf = le.AppendUint32(buf, x)
	case uint64:
		buf = le.AppendUint64(buf, x)
	case float32:
		buf = le.AppendUint32(buf, math.Float32bits(x))
	case float64:
		buf = le.AppendUint64(buf, math.Float64bits(x))
	case []int32:
		buf = le.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			buf = le.AppendUint32(buf, uint32(e))
		}
	case []uint8:
		buf = le.AppendUint32(buf, uint32(len(x)))
		buf = append(buf, x...)
	case []uint32:
		buf = le.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			buf = le.AppendUint32(buf, e)
		}
	case []uint64:
		buf = le.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			buf = le.AppendUint64(buf, e)
		}
	case []float32:
		buf = le.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			buf = le.AppendUint32(buf, math.Float32bits(e))
		}
	case []float64:
		buf = le.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			buf = le.AppendUint64(buf, math.Float64bits(e))
		}
	}
	return buf
}
