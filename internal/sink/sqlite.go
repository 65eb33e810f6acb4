package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ntupler/ntupler/pkg/types"
)

const (
	// DefaultTable is the row table name of SQLite outputs.
	DefaultTable = "tree"

	// DefaultBatchSize is the number of rows per transaction or record batch.
	DefaultBatchSize = 10000

	columnsTable = "_ntupler_columns"
	statsTable   = "_ntupler_stats"
	metaTable    = "_ntupler_meta"
	rowColumn    = "_row"
)

// SQLite writes rows into a single SQLite file. The file is built in WAL
// mode and switched to DELETE journal mode on Finalize, leaving one
// self-contained immutable file.
type SQLite struct {
	declarations

	path      string
	table     string
	batchSize int
	meta      map[string]string

	db        *sql.DB
	tx        *sql.Tx
	stmt      *sql.Stmt
	insertSQL string
	created   bool
	pending   int
	rows      int64
	stats     *StatsTracker
}

// NewSQLite creates a SQLite sink writing to path. An empty table name
// selects DefaultTable; batchSize <= 0 selects DefaultBatchSize.
func NewSQLite(path, table string, batchSize int) *SQLite {
	if table == "" {
		table = DefaultTable
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SQLite{
		path:      filepath.Clean(path),
		table:     table,
		batchSize: batchSize,
		meta:      make(map[string]string),
	}
}

// Path returns the output file path.
func (s *SQLite) Path() string { return s.path }

// SetMeta records a key/value pair in the metadata table written on
// Finalize.
func (s *SQLite) SetMeta(key, value string) {
	s.meta[key] = value
}

func (s *SQLite) Open(ctx context.Context) error {
	if s.db != nil {
		return fmt.Errorf("sink: sqlite output %s already open", s.path)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("sink: failed to create output directory: %w", err)
	}
	if err := removeSQLiteFiles(s.path); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("sink: failed to create SQLite database: %w", err)
	}
	// One connection keeps the transaction and pragmas on the same handle.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("sink: failed to set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return fmt.Errorf("sink: failed to set synchronous mode: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLite) DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error {
	if s.db == nil {
		return fmt.Errorf("sink: declare on unopened sqlite output")
	}
	if name == rowColumn {
		return fmt.Errorf("sink: column name %q is reserved", name)
	}
	return s.declare(name, kind, elem)
}

func (s *SQLite) AppendRow(ctx context.Context, row types.Row) error {
	if s.db == nil {
		return fmt.Errorf("sink: append on closed sqlite output")
	}
	if err := s.check(row); err != nil {
		return err
	}
	if !s.created {
		if err := s.create(ctx); err != nil {
			return err
		}
	}
	if s.tx == nil {
		if err := s.begin(ctx); err != nil {
			return err
		}
	}

	args := make([]any, 0, len(row)+1)
	args = append(args, s.rows)
	for i, v := range row {
		var (
			arg any
			err error
		)
		if v.Kind() == types.KindSequence {
			arg, err = EncodeSequence(v)
		} else {
			arg, err = scalarToSQL(v)
		}
		if err != nil {
			return fmt.Errorf("sink: column %q: %w", s.cols[i].Name, err)
		}
		args = append(args, arg)
	}

	if _, err := s.stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("sink: failed to insert row: %w", err)
	}
	s.rows++
	s.stats.Update(row)

	s.pending++
	if s.pending >= s.batchSize {
		return s.commit()
	}
	return nil
}

// create creates the row table and the column description table.
func (s *SQLite) create(ctx context.Context) error {
	s.frozen = true

	defs := []string{quoteIdent(rowColumn) + " INTEGER PRIMARY KEY"}
	names := []string{quoteIdent(rowColumn)}
	for _, c := range s.cols {
		def := fmt.Sprintf("%s %s", quoteIdent(c.Name), sqliteType(c))
		// SQLite stores NaN as NULL, so float scalars stay nullable.
		if c.Kind == types.KindSequence || !c.Elem.IsFloat() {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		names = append(names, quoteIdent(c.Name))
	}

	createTableSQL := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(s.table), strings.Join(defs, ",\n\t"))
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("sink: failed to create %s table: %w", s.table, err)
	}

	columnsTableSQL := `
		CREATE TABLE ` + columnsTable + ` (
			position INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			elem TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, columnsTableSQL); err != nil {
		return fmt.Errorf("sink: failed to create columns table: %w", err)
	}
	for i, c := range s.cols {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO "+columnsTable+" (position, name, kind, elem) VALUES (?, ?, ?, ?)",
			i, c.Name, c.Kind.String(), c.Elem.String()); err != nil {
			return fmt.Errorf("sink: failed to describe column %q: %w", c.Name, err)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	s.insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(s.table), strings.Join(names, ", "), placeholders)
	s.stats = NewStatsTracker(s.cols)
	s.created = true
	return nil
}

func (s *SQLite) begin(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sink: failed to prepare insert statement: %w", err)
	}
	s.tx, s.stmt = tx, stmt
	return nil
}

func (s *SQLite) commit() error {
	if s.tx == nil {
		return nil
	}
	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt, s.pending = nil, nil, 0
	if err != nil {
		return fmt.Errorf("sink: failed to commit rows: %w", err)
	}
	return nil
}

func (s *SQLite) Finalize(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("sink: finalize on closed sqlite output")
	}
	defer func() {
		if s.db != nil {
			s.db.Close()
			s.db = nil
		}
	}()

	if !s.created {
		if err := s.create(ctx); err != nil {
			return err
		}
	}
	if err := s.commit(); err != nil {
		return err
	}
	if err := s.writeStats(ctx); err != nil {
		return err
	}
	if err := s.writeMeta(ctx); err != nil {
		return err
	}

	// Checkpoint WAL and switch to DELETE mode for immutability
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sink: failed to checkpoint WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return fmt.Errorf("sink: failed to set journal mode to DELETE: %w", err)
	}

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("sink: failed to close database: %w", err)
	}
	log.Printf("sink: wrote %d rows to %s", s.rows, s.path)
	return nil
}

func (s *SQLite) writeStats(ctx context.Context) error {
	statsTableSQL := `
		CREATE TABLE ` + statsTable + ` (
			column_name TEXT NOT NULL PRIMARY KEY,
			elements INTEGER NOT NULL,
			non_finite INTEGER NOT NULL,
			min_value REAL,
			max_value REAL
		) WITHOUT ROWID
	`
	if _, err := s.db.ExecContext(ctx, statsTableSQL); err != nil {
		return fmt.Errorf("sink: failed to create stats table: %w", err)
	}
	for _, c := range s.stats.Columns() {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO "+statsTable+" (column_name, elements, non_finite, min_value, max_value) VALUES (?, ?, ?, ?, ?)",
			c.Name, c.Elements, c.NonFinite, nullable(c.Min), nullable(c.Max)); err != nil {
			return fmt.Errorf("sink: failed to write stats for %q: %w", c.Name, err)
		}
	}
	return nil
}

func (s *SQLite) writeMeta(ctx context.Context) error {
	metaTableSQL := `
		CREATE TABLE ` + metaTable + ` (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		) WITHOUT ROWID
	`
	if _, err := s.db.ExecContext(ctx, metaTableSQL); err != nil {
		return fmt.Errorf("sink: failed to create meta table: %w", err)
	}
	s.meta["table"] = s.table
	for k, v := range s.meta {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO "+metaTable+" (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("sink: failed to write meta %q: %w", k, err)
		}
	}
	return nil
}

// Abort closes the database and removes the partial file.
func (s *SQLite) Abort() error {
	if s.tx != nil {
		s.stmt.Close()
		s.tx.Rollback()
		s.tx, s.stmt = nil, nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	log.Printf("sink: aborted %s after %d rows", s.path, s.rows)
	return removeSQLiteFiles(s.path)
}

// Stats returns the statistics of the rows written so far. They are the ones
// stored in the stats table at finalize.
func (s *SQLite) Stats() *StatsTracker {
	if s.stats == nil {
		return NewStatsTracker(s.cols)
	}
	return s.stats
}

func removeSQLiteFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("sink: failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func sqliteType(c ColumnDecl) string {
	if c.Kind == types.KindSequence {
		return "BLOB"
	}
	if c.Elem.IsFloat() {
		return "REAL"
	}
	return "INTEGER"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func nullable(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
