package sink

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ntupler/ntupler/pkg/types"
)

func TestPgType(t *testing.T) {
	cases := map[ColumnDecl]string{
		{Kind: types.KindScalar, Elem: types.ElemInt32}:     "integer",
		{Kind: types.KindScalar, Elem: types.ElemChar}:      "smallint",
		{Kind: types.KindScalar, Elem: types.ElemUint64}:    "bigint",
		{Kind: types.KindScalar, Elem: types.ElemFloat32}:   "real",
		{Kind: types.KindSequence, Elem: types.ElemUint8}:   "smallint[]",
		{Kind: types.KindSequence, Elem: types.ElemFloat64}: "double precision[]",
	}
	for c, want := range cases {
		if got := pgType(c); got != want {
			t.Errorf("pgType(%s) = %s, want %s", c.TypeName(), got, want)
		}
	}
}

func TestPgValue(t *testing.T) {
	v, err := pgValue(types.Uint64(1 << 63))
	if err != nil {
		t.Fatal(err)
	}
	if v.(int64) != -1<<63 {
		t.Errorf("uint64 bit-cast = %v", v)
	}
	v, _ = pgValue(types.Uint8s([]uint8{200}))
	if s := v.([]int16); len(s) != 1 || s[0] != 200 {
		t.Errorf("uint8[] = %v", v)
	}
	if _, err := pgValue(types.Value{}); err == nil {
		t.Error("expected error for invalid value")
	}
}

func TestPgFQN(t *testing.T) {
	if got := pgFQN(`public.tau"jets`); got != `"public"."tau""jets"` {
		t.Errorf("pgFQN = %s", got)
	}
	if id := splitFQN("a.b"); len(id) != 2 || id[1] != "b" {
		t.Errorf("splitFQN = %v", id)
	}
}

// TestPostgres_RoundTrip runs against the database in NTUPLER_TEST_POSTGRES_DSN.
func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("NTUPLER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NTUPLER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := "ntupler_test_" + uuid.NewString()[:8]

	p := NewPostgres(dsn, table, "", 2)
	if err := p.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	declareAll(t, p, testColumns())
	for i := 0; i < 5; i++ {
		if err := p.AppendRow(ctx, testRow(i)); err != nil {
			t.Fatalf("AppendRow(%d) failed: %v", i, err)
		}
	}
	if err := p.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	defer pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgFQN(table))

	var n int
	err = pool.QueryRow(ctx,
		"SELECT count(*) FROM "+pgFQN(table)+" WHERE "+pgIdent(OutputIDColumn)+" = $1", p.OutputID(),
	).Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}

	var f32 []float32
	err = pool.QueryRow(ctx,
		"SELECT "+pgIdent("s.f32")+" FROM "+pgFQN(table)+" WHERE "+pgIdent(rowColumn)+" = 2",
	).Scan(&f32)
	if err != nil {
		t.Fatal(err)
	}
	if len(f32) != 3 || f32[1] != 2.25 {
		t.Errorf("s.f32 at row 2 = %v", f32)
	}

	// A second output into the same table, aborted after a flush.
	q := NewPostgres(dsn, table, "", 1)
	q.Open(ctx)
	declareAll(t, q, testColumns())
	q.AppendRow(ctx, testRow(0))
	if err := q.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	pool.QueryRow(ctx, "SELECT count(*) FROM "+pgFQN(table)).Scan(&n)
	if n != 5 {
		t.Errorf("count after abort = %d, want 5", n)
	}
}
