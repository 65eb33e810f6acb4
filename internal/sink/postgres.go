package sink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ntupler/ntupler/pkg/types"
)

// OutputIDColumn tags every Postgres row with the output that wrote it, so a
// table can hold many outputs and an aborted output can be removed.
const OutputIDColumn = "_output_id"

// Postgres loads rows into a PostgreSQL table with COPY. The table is
// created if it does not exist; rows are buffered and copied in batches.
type Postgres struct {
	declarations

	dsn       string
	table     string
	outputID  string
	batchSize int

	pool    *pgxpool.Pool
	created bool
	columns []string
	batch   [][]any
	rows    int64
}

// NewPostgres creates a Postgres sink. table may be schema-qualified
// ("public.tree"). An empty outputID is replaced by a random UUID.
func NewPostgres(dsn, table, outputID string, batchSize int) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	if outputID == "" {
		outputID = uuid.NewString()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Postgres{
		dsn:       dsn,
		table:     table,
		outputID:  outputID,
		batchSize: batchSize,
	}
}

// OutputID returns the value written to OutputIDColumn.
func (p *Postgres) OutputID() string { return p.outputID }

// Table returns the target table name.
func (p *Postgres) Table() string { return p.table }

func (p *Postgres) Open(ctx context.Context) error {
	if p.pool != nil {
		return fmt.Errorf("sink: postgres output already open")
	}
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pgxpool: %w", err)
	}
	p.pool = pool
	return nil
}

func (p *Postgres) DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error {
	if p.pool == nil {
		return fmt.Errorf("sink: declare on unopened postgres output")
	}
	if name == OutputIDColumn || name == rowColumn {
		return fmt.Errorf("sink: column name %q is reserved", name)
	}
	return p.declare(name, kind, elem)
}

func (p *Postgres) AppendRow(ctx context.Context, row types.Row) error {
	if p.pool == nil {
		return fmt.Errorf("sink: append on closed postgres output")
	}
	if err := p.check(row); err != nil {
		return err
	}
	if !p.created {
		if err := p.create(ctx); err != nil {
			return err
		}
	}

	vals := make([]any, 0, len(row)+2)
	vals = append(vals, p.outputID, p.rows+int64(len(p.batch)))
	for i, v := range row {
		x, err := pgValue(v)
		if err != nil {
			return fmt.Errorf("sink: column %q: %w", p.cols[i].Name, err)
		}
		vals = append(vals, x)
	}
	p.batch = append(p.batch, vals)

	if len(p.batch) >= p.batchSize {
		return p.flush(ctx)
	}
	return nil
}

func (p *Postgres) create(ctx context.Context) error {
	p.frozen = true

	defs := []string{
		pgIdent(OutputIDColumn) + " text NOT NULL",
		pgIdent(rowColumn) + " bigint NOT NULL",
	}
	p.columns = []string{OutputIDColumn, rowColumn}
	for _, c := range p.cols {
		defs = append(defs, fmt.Sprintf("%s %s NOT NULL", pgIdent(c.Name), pgType(c)))
		p.columns = append(p.columns, c.Name)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s, %s)", pgIdent(OutputIDColumn), pgIdent(rowColumn)))

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", pgFQN(p.table), strings.Join(defs, ",\n\t"))
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("sink: failed to create table %s: %w", p.table, err)
	}
	p.created = true
	return nil
}

func (p *Postgres) flush(ctx context.Context) error {
	if len(p.batch) == 0 {
		return nil
	}
	n, err := p.pool.CopyFrom(ctx, splitFQN(p.table), p.columns, pgx.CopyFromRows(p.batch))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return fmt.Errorf("sink: copy into %s: %s (%s)", p.table, pgErr.Detail, pgErr.SQLState())
		}
		return fmt.Errorf("sink: copy into %s: %w", p.table, err)
	}
	p.rows += n
	p.batch = p.batch[:0]
	return nil
}

func (p *Postgres) Finalize(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("sink: finalize on closed postgres output")
	}
	defer func() {
		p.pool.Close()
		p.pool = nil
	}()

	if !p.created {
		if err := p.create(ctx); err != nil {
			return err
		}
	}
	if err := p.flush(ctx); err != nil {
		return err
	}
	log.Printf("sink: copied %d rows into %s (output %s)", p.rows, p.table, p.outputID)
	return nil
}

// Abort drops buffered rows and deletes the rows this output already copied.
func (p *Postgres) Abort() error {
	if p.pool == nil {
		return nil
	}
	defer func() {
		p.pool.Close()
		p.pool = nil
	}()
	p.batch = nil
	if !p.created || p.rows == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", pgFQN(p.table), pgIdent(OutputIDColumn))
	if _, err := p.pool.Exec(ctx, del, p.outputID); err != nil {
		return fmt.Errorf("sink: failed to delete aborted rows: %w", err)
	}
	log.Printf("sink: aborted output %s, deleted %d rows from %s", p.outputID, p.rows, p.table)
	return nil
}

func pgType(c ColumnDecl) string {
	var base string
	switch c.Elem {
	case types.ElemInt32:
		base = "integer"
	case types.ElemUint8, types.ElemChar:
		base = "smallint"
	case types.ElemUint32, types.ElemUint64:
		base = "bigint"
	case types.ElemFloat32:
		base = "real"
	default:
		base = "double precision"
	}
	if c.Kind == types.KindSequence {
		return base + "[]"
	}
	return base
}

// pgValue converts a value to the Go type pgx encodes for its column type.
// uint64 is stored bit-cast to bigint, as in SQLite outputs.
func pgValue(v types.Value) (any, error) {
	switch d := v.Interface().(type) {
	case int32, float32, float64:
		return d, nil
	case uint8:
		return int16(d), nil
	case uint32:
		return int64(d), nil
	case uint64:
		return int64(d), nil
	case []int32, []float32, []float64:
		return d, nil
	case []uint8:
		out := make([]int16, len(d))
		for i, x := range d {
			out[i] = int16(x)
		}
		return out, nil
	case []uint32:
		out := make([]int64, len(d))
		for i, x := range d {
			out[i] = int64(x)
		}
		return out, nil
	case []uint64:
		out := make([]int64, len(d))
		for i, x := range d {
			out[i] = int64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload %T", d)
	}
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// pgFQN quotes each part of a possibly schema-qualified name.
func pgFQN(fqn string) string {
	parts := strings.Split(fqn, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// splitFQN splits "schema.table" into a pgx.Identifier.
func splitFQN(fqn string) pgx.Identifier {
	return pgx.Identifier(strings.Split(fqn, "."))
}
