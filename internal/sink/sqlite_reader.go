package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ntupler/ntupler/pkg/types"
)

// SQLiteReader reads a finalized SQLite output back into typed rows.
type SQLiteReader struct {
	db    *sql.DB
	table string
	cols  []ColumnDecl
}

// OpenSQLite opens a SQLite output read-only. The row table name is taken
// from the metadata table; table overrides it when non-empty.
func OpenSQLite(ctx context.Context, path, table string) (*SQLiteReader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sink: failed to open %s: %w", path, err)
	}
	r := &SQLiteReader{db: db, table: table}

	if r.table == "" {
		meta, err := r.Meta(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		r.table = meta["table"]
		if r.table == "" {
			r.table = DefaultTable
		}
	}

	rows, err := db.QueryContext(ctx, "SELECT name, kind, elem FROM "+columnsTable+" ORDER BY position")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: failed to read column table: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, kind, elem string
		if err := rows.Scan(&name, &kind, &elem); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: failed to scan column: %w", err)
		}
		c := ColumnDecl{Name: name, Kind: types.KindScalar}
		if kind == types.KindSequence.String() {
			c.Kind = types.KindSequence
		}
		if c.Elem, err = types.ParseElementType(elem); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: column %q: %w", name, err)
		}
		r.cols = append(r.cols, c)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: failed to read column table: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *SQLiteReader) Close() error {
	return r.db.Close()
}

// Columns returns the stored column declarations.
func (r *SQLiteReader) Columns() []ColumnDecl {
	out := make([]ColumnDecl, len(r.cols))
	copy(out, r.cols)
	return out
}

// Count returns the number of stored rows.
func (r *SQLiteReader) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(r.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sink: failed to count rows: %w", err)
	}
	return n, nil
}

// Scan calls fn for every row in write order, starting at row offset and
// returning at most limit rows (limit <= 0 means all).
func (r *SQLiteReader) Scan(ctx context.Context, offset, limit int64, fn func(index int64, row types.Row) error) error {
	names := []string{quoteIdent(rowColumn)}
	for _, c := range r.cols {
		names = append(names, quoteIdent(c.Name))
	}
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= ? ORDER BY %s LIMIT ?",
		strings.Join(names, ", "), quoteIdent(r.table), quoteIdent(rowColumn), quoteIdent(rowColumn))

	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return fmt.Errorf("sink: failed to query rows: %w", err)
	}
	defer rows.Close()

	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("sink: failed to scan row: %w", err)
		}
		index, _ := vals[0].(int64)
		row := make(types.Row, len(r.cols))
		for i, c := range r.cols {
			var v types.Value
			if c.Kind == types.KindSequence {
				blob, ok := vals[i+1].([]byte)
				if !ok {
					return fmt.Errorf("sink: row %d column %q: expected BLOB, got %T", index, c.Name, vals[i+1])
				}
				v, err = DecodeSequence(c.Elem, blob)
			} else {
				v, err = scalarFromSQL(c.Elem, vals[i+1])
			}
			if err != nil {
				return fmt.Errorf("sink: row %d column %q: %w", index, c.Name, err)
			}
			row[i] = v
		}
		if err := fn(index, row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReadAll returns every stored row.
func (r *SQLiteReader) ReadAll(ctx context.Context) ([]types.Row, error) {
	var out []types.Row
	err := r.Scan(ctx, 0, 0, func(_ int64, row types.Row) error {
		out = append(out, row)
		return nil
	})
	return out, err
}

// Stats returns the per-column statistics written on Finalize.
func (r *SQLiteReader) Stats(ctx context.Context) ([]ColumnStats, error) {
	typeNames := make(map[string]string, len(r.cols))
	for _, c := range r.cols {
		typeNames[c.Name] = c.TypeName()
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT s.column_name, s.elements, s.non_finite, s.min_value, s.max_value FROM "+statsTable+
			" s JOIN "+columnsTable+" c ON c.name = s.column_name ORDER BY c.position")
	if err != nil {
		return nil, fmt.Errorf("sink: failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []ColumnStats
	for rows.Next() {
		var (
			cs     ColumnStats
			lo, hi sql.NullFloat64
		)
		if err := rows.Scan(&cs.Name, &cs.Elements, &cs.NonFinite, &lo, &hi); err != nil {
			return nil, fmt.Errorf("sink: failed to scan stats: %w", err)
		}
		cs.Type = typeNames[cs.Name]
		if lo.Valid {
			cs.Min = &lo.Float64
		}
		if hi.Valid {
			cs.Max = &hi.Float64
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// Meta returns the key/value metadata written on Finalize.
func (r *SQLiteReader) Meta(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM "+metaTable)
	if err != nil {
		return nil, fmt.Errorf("sink: failed to query meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sink: failed to scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}
