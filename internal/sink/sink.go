// Package sink defines the columnar output contract and its implementations:
// SQLite files, Arrow IPC files, PostgreSQL tables and in-memory tables.
package sink

import (
	"context"
	"fmt"

	"github.com/ntupler/ntupler/pkg/types"
)

// Sink receives a column declaration list followed by rows, and persists
// them. A sink is owned by exactly one session and is not safe for
// concurrent use.
type Sink interface {
	// Open acquires the underlying resource.
	Open(ctx context.Context) error

	// DeclareColumn registers the next column. Columns are declared in
	// schema order before the first row.
	DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error

	// AppendRow writes one row; row[i] belongs to the i-th declared column.
	AppendRow(ctx context.Context, row types.Row) error

	// Finalize flushes and closes the output. Rows are durable only after
	// Finalize returns nil.
	Finalize(ctx context.Context) error
}

// Aborter is implemented by sinks that can discard a partially written
// output instead of finalizing it.
type Aborter interface {
	Abort() error
}

// FileSink is implemented by sinks that write a single local file.
type FileSink interface {
	Path() string
}

// ColumnDecl is one declared column.
type ColumnDecl struct {
	Name string
	Kind types.ValueKind
	Elem types.ElementType
}

// TypeName returns the compact column type.
func (c ColumnDecl) TypeName() string {
	return types.TypeName(c.Kind, c.Elem)
}

// declarations tracks the declared columns of a sink.
type declarations struct {
	cols   []ColumnDecl
	index  map[string]int
	frozen bool
}

func (d *declarations) declare(name string, kind types.ValueKind, elem types.ElementType) error {
	if d.frozen {
		return fmt.Errorf("sink: cannot declare column %q after the first row", name)
	}
	if kind != types.KindScalar && kind != types.KindSequence {
		return fmt.Errorf("sink: column %q has invalid kind %s", name, kind)
	}
	if elem == types.ElemInvalid || elem > types.ElemChar {
		return fmt.Errorf("sink: column %q has invalid element type", name)
	}
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if _, dup := d.index[name]; dup {
		return fmt.Errorf("sink: column %q declared twice", name)
	}
	d.index[name] = len(d.cols)
	d.cols = append(d.cols, ColumnDecl{Name: name, Kind: kind, Elem: elem})
	return nil
}

// check freezes the declaration list and verifies row against it.
func (d *declarations) check(row types.Row) error {
	d.frozen = true
	if len(row) != len(d.cols) {
		return fmt.Errorf("sink: row has %d values, %d columns declared", len(row), len(d.cols))
	}
	for i, v := range row {
		c := d.cols[i]
		if v.Kind() != c.Kind || v.Elem() != c.Elem {
			return fmt.Errorf("sink: column %q expects %s, got %s", c.Name, c.TypeName(), v.TypeName())
		}
	}
	return nil
}

// Columns returns the declared columns.
func (d *declarations) Columns() []ColumnDecl {
	out := make([]ColumnDecl, len(d.cols))
	copy(out, d.cols)
	return out
}
