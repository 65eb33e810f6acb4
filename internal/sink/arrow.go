package sink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ntupler/ntupler/pkg/types"
)

// ElemMetadataKey marks fields whose Arrow type does not identify the
// element type on its own (char is stored as uint8).
const ElemMetadataKey = "ntupler.elem"

// Arrow writes rows into an Arrow IPC file. Scalars map to primitive
// columns and sequences to list<T> columns. Rows are buffered and written
// in record batches of batchSize rows; the footer is written on Finalize.
type Arrow struct {
	declarations

	path      string
	batchSize int
	meta      map[string]string
	allocator memory.Allocator

	file    *os.File
	schema  *arrow.Schema
	builder *array.RecordBuilder
	writer  *ipc.FileWriter
	pending int
	rows    int64
	batches int
}

// NewArrow creates an Arrow sink writing to path. batchSize <= 0 selects
// DefaultBatchSize.
func NewArrow(path string, batchSize int) *Arrow {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Arrow{
		path:      filepath.Clean(path),
		batchSize: batchSize,
		meta:      make(map[string]string),
		allocator: memory.DefaultAllocator,
	}
}

// Path returns the output file path.
func (a *Arrow) Path() string { return a.path }

// SetMeta records a key/value pair in the schema metadata.
func (a *Arrow) SetMeta(key, value string) {
	a.meta[key] = value
}

func (a *Arrow) Open(ctx context.Context) error {
	if a.file != nil {
		return fmt.Errorf("sink: arrow output %s already open", a.path)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("sink: failed to create output directory: %w", err)
	}
	f, err := os.Create(a.path)
	if err != nil {
		return fmt.Errorf("sink: failed to create arrow file: %w", err)
	}
	a.file = f
	return nil
}

func (a *Arrow) DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error {
	if a.file == nil {
		return fmt.Errorf("sink: declare on unopened arrow output")
	}
	return a.declare(name, kind, elem)
}

func (a *Arrow) AppendRow(ctx context.Context, row types.Row) error {
	if a.file == nil {
		return fmt.Errorf("sink: append on closed arrow output")
	}
	if err := a.check(row); err != nil {
		return err
	}
	if err := a.ensureWriter(); err != nil {
		return err
	}

	for i, v := range row {
		if err := appendArrow(a.builder.Field(i), v); err != nil {
			return fmt.Errorf("sink: column %q: %w", a.cols[i].Name, err)
		}
	}
	a.rows++
	a.pending++
	if a.pending >= a.batchSize {
		return a.flush()
	}
	return nil
}

func (a *Arrow) ensureWriter() error {
	if a.writer != nil {
		return nil
	}
	a.frozen = true

	fields := make([]arrow.Field, len(a.cols))
	for i, c := range a.cols {
		fields[i] = arrowField(c)
	}
	keys := make([]string, 0, len(a.meta))
	for k := range a.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = a.meta[k]
	}
	md := arrow.NewMetadata(keys, vals)
	a.schema = arrow.NewSchema(fields, &md)

	w, err := ipc.NewFileWriter(a.file, ipc.WithSchema(a.schema), ipc.WithAllocator(a.allocator))
	if err != nil {
		return fmt.Errorf("sink: failed to create arrow writer: %w", err)
	}
	a.writer = w
	a.builder = array.NewRecordBuilder(a.allocator, a.schema)
	return nil
}

func (a *Arrow) flush() error {
	if a.pending == 0 {
		return nil
	}
	rec := a.builder.NewRecord()
	defer rec.Release()

	if err := a.writer.Write(rec); err != nil {
		return fmt.Errorf("sink: failed to write record batch %d: %w", a.batches, err)
	}
	a.batches++
	a.pending = 0
	return nil
}

func (a *Arrow) Finalize(ctx context.Context) error {
	if a.file == nil {
		return fmt.Errorf("sink: finalize on closed arrow output")
	}
	defer a.release()

	if err := a.ensureWriter(); err != nil {
		return err
	}
	if err := a.flush(); err != nil {
		return err
	}
	if err := a.writer.Close(); err != nil {
		return fmt.Errorf("sink: failed to write arrow footer: %w", err)
	}
	a.writer = nil
	if err := a.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("sink: failed to close arrow file: %w", err)
	}
	a.file = nil
	log.Printf("sink: wrote %d rows in %d batches to %s", a.rows, a.batches, a.path)
	return nil
}

// Abort discards buffered rows and removes the partial file.
func (a *Arrow) Abort() error {
	a.release()
	log.Printf("sink: aborted %s after %d rows", a.path, a.rows)
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sink: failed to remove %s: %w", a.path, err)
	}
	return nil
}

func (a *Arrow) release() {
	if a.builder != nil {
		a.builder.Release()
		a.builder = nil
	}
	if a.writer != nil {
		a.writer.Close()
		a.writer = nil
	}
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}

func arrowElemType(elem types.ElementType) arrow.DataType {
	switch elem {
	case types.ElemInt32:
		return arrow.PrimitiveTypes.Int32
	case types.ElemUint8, types.ElemChar:
		return arrow.PrimitiveTypes.Uint8
	case types.ElemUint32:
		return arrow.PrimitiveTypes.Uint32
	case types.ElemUint64:
		return arrow.PrimitiveTypes.Uint64
	case types.ElemFloat32:
		return arrow.PrimitiveTypes.Float32
	default:
		return arrow.PrimitiveTypes.Float64
	}
}

func arrowField(c ColumnDecl) arrow.Field {
	dt := arrowElemType(c.Elem)
	if c.Kind == types.KindSequence {
		dt = arrow.ListOf(dt)
	}
	f := arrow.Field{Name: c.Name, Type: dt}
	if c.Elem == types.ElemChar {
		f.Metadata = arrow.NewMetadata([]string{ElemMetadataKey}, []string{types.ElemChar.String()})
	}
	return f
}

func appendArrow(b array.Builder, v types.Value) error {
	switch d := v.Interface().(type) {
	case int32:
		return appendScalar(b, d)
	case uint8:
		return appendScalar(b, d)
	case uint32:
		return appendScalar(b, d)
	case uint64:
		return appendScalar(b, d)
	case float32:
		return appendScalar(b, d)
	case float64:
		return appendScalar(b, d)
	case []int32:
		return appendList(b, d)
	case []uint8:
		return appendList(b, d)
	case []uint32:
		return appendList(b, d)
	case []uint64:
		return appendList(b, d)
	case []float32:
		return appendList(b, d)
	case []float64:
		return appendList(b, d)
	default:
		return fmt.Errorf("unsupported payload %T", d)
	}
}

func appendScalar[T any](b array.Builder, x T) error {
	sb, ok := b.(interface{ Append(T) })
	if !ok {
		return fmt.Errorf("builder %T cannot append %T", b, x)
	}
	sb.Append(x)
	return nil
}

func appendList[T any](b array.Builder, xs []T) error {
	lb, ok := b.(*array.ListBuilder)
	if !ok {
		return fmt.Errorf("builder %T is not a list builder", b)
	}
	vb, ok := lb.ValueBuilder().(interface{ AppendValues([]T, []bool) })
	if !ok {
		return fmt.Errorf("list value builder %T cannot append %T", lb.ValueBuilder(), xs)
	}
	lb.Append(true)
	vb.AppendValues(xs, nil)
	return nil
}

// ArrowReader reads an Arrow IPC output back into typed rows.
type ArrowReader struct {
	file   *os.File
	reader *ipc.FileReader
	cols   []ColumnDecl
}

// OpenArrow opens an Arrow IPC file written by the Arrow sink.
func OpenArrow(path string) (*ArrowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sink: failed to open %s: %w", path, err)
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: failed to read arrow file: %w", err)
	}

	ar := &ArrowReader{file: f, reader: r}
	for _, field := range r.Schema().Fields() {
		c, err := declFromField(field)
		if err != nil {
			ar.Close()
			return nil, err
		}
		ar.cols = append(ar.cols, c)
	}
	return ar, nil
}

// Close closes the file.
func (r *ArrowReader) Close() error {
	r.reader.Close()
	return r.file.Close()
}

// Columns returns the stored column declarations.
func (r *ArrowReader) Columns() []ColumnDecl {
	out := make([]ColumnDecl, len(r.cols))
	copy(out, r.cols)
	return out
}

// Meta returns the schema metadata.
func (r *ArrowReader) Meta() map[string]string {
	md := r.reader.Schema().Metadata()
	out := make(map[string]string, md.Len())
	for i, k := range md.Keys() {
		out[k] = md.Values()[i]
	}
	return out
}

// NumBatches returns the number of record batches in the file.
func (r *ArrowReader) NumBatches() int {
	return r.reader.NumRecords()
}

// Scan calls fn for every row in write order.
func (r *ArrowReader) Scan(fn func(index int64, row types.Row) error) error {
	var index int64
	for b := 0; b < r.reader.NumRecords(); b++ {
		rec, err := r.reader.Record(b)
		if err != nil {
			return fmt.Errorf("sink: failed to read record batch %d: %w", b, err)
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make(types.Row, len(r.cols))
			for j, c := range r.cols {
				v, err := arrowValue(rec.Column(j), c, i)
				if err != nil {
					return fmt.Errorf("sink: row %d column %q: %w", index, c.Name, err)
				}
				row[j] = v
			}
			if err := fn(index, row); err != nil {
				return err
			}
			index++
		}
	}
	return nil
}

// ReadAll returns every stored row.
func (r *ArrowReader) ReadAll() ([]types.Row, error) {
	var out []types.Row
	err := r.Scan(func(_ int64, row types.Row) error {
		out = append(out, row)
		return nil
	})
	return out, err
}

func declFromField(f arrow.Field) (ColumnDecl, error) {
	c := ColumnDecl{Name: f.Name, Kind: types.KindScalar}
	dt := f.Type
	if lt, ok := dt.(*arrow.ListType); ok {
		c.Kind = types.KindSequence
		dt = lt.Elem()
	}

	switch dt.ID() {
	case arrow.INT32:
		c.Elem = types.ElemInt32
	case arrow.UINT8:
		c.Elem = types.ElemUint8
		if i := f.Metadata.FindKey(ElemMetadataKey); i >= 0 && f.Metadata.Values()[i] == types.ElemChar.String() {
			c.Elem = types.ElemChar
		}
	case arrow.UINT32:
		c.Elem = types.ElemUint32
	case arrow.UINT64:
		c.Elem = types.ElemUint64
	case arrow.FLOAT32:
		c.Elem = types.ElemFloat32
	case arrow.FLOAT64:
		c.Elem = types.ElemFloat64
	default:
		return ColumnDecl{}, fmt.Errorf("sink: field %q has unsupported type %s", f.Name, f.Type)
	}
	return c, nil
}

func arrowValue(arr arrow.Array, c ColumnDecl, i int) (types.Value, error) {
	if c.Kind == types.KindSequence {
		l, ok := arr.(*array.List)
		if !ok {
			return types.Value{}, fmt.Errorf("expected list array, got %T", arr)
		}
		start, end := l.ValueOffsets(i)
		switch vals := l.ListValues().(type) {
		case *array.Int32:
			return types.Int32s(slices.Clone(vals.Int32Values()[start:end])), nil
		case *array.Uint8:
			seq := slices.Clone(vals.Uint8Values()[start:end])
			if c.Elem == types.ElemChar {
				return types.Chars(seq), nil
			}
			return types.Uint8s(seq), nil
		case *array.Uint32:
			return types.Uint32s(slices.Clone(vals.Uint32Values()[start:end])), nil
		case *array.Uint64:
			return types.Uint64s(slices.Clone(vals.Uint64Values()[start:end])), nil
		case *array.Float32:
			return types.Float32s(slices.Clone(vals.Float32Values()[start:end])), nil
		case *array.Float64:
			return types.Float64s(slices.Clone(vals.Float64Values()[start:end])), nil
		default:
			return types.Value{}, fmt.Errorf("unsupported list values %T", vals)
		}
	}

	switch a := arr.(type) {
	case *array.Int32:
		return types.Int32(a.Value(i)), nil
	case *array.Uint8:
		if c.Elem == types.ElemChar {
			return types.Char(a.Value(i)), nil
		}
		return types.Uint8(a.Value(i)), nil
	case *array.Uint32:
		return types.Uint32(a.Value(i)), nil
	case *array.Uint64:
		return types.Uint64(a.Value(i)), nil
	case *array.Float32:
		return types.Float32(a.Value(i)), nil
	case *array.Float64:
		return types.Float64(a.Value(i)), nil
	default:
		return types.Value{}, fmt.Errorf("unsupported array %T", arr)
	}
}
