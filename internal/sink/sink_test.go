package sink

import (
	"context"
	"math"
	"testing"

	"github.com/ntupler/ntupler/pkg/types"
)

// testColumns covers every scalar and sequence element type.
func testColumns() []ColumnDecl {
	return []ColumnDecl{
		{"ev.number", types.KindScalar, types.ElemUint64},
		{"o.i32", types.KindScalar, types.ElemInt32},
		{"o.u8", types.KindScalar, types.ElemUint8},
		{"o.u32", types.KindScalar, types.ElemUint32},
		{"o.f32", types.KindScalar, types.ElemFloat32},
		{"o.f64", types.KindScalar, types.ElemFloat64},
		{"o.char", types.KindScalar, types.ElemChar},
		{"s.i32", types.KindSequence, types.ElemInt32},
		{"s.u8", types.KindSequence, types.ElemUint8},
		{"s.u32", types.KindSequence, types.ElemUint32},
		{"s.u64", types.KindSequence, types.ElemUint64},
		{"s.f32", types.KindSequence, types.ElemFloat32},
		{"s.f64", types.KindSequence, types.ElemFloat64},
		{"s.char", types.KindSequence, types.ElemChar},
	}
}

// testRow builds row i; odd rows carry empty sequences.
func testRow(i int) types.Row {
	n := 3
	if i%2 == 1 {
		n = 0
	}
	f32 := make([]float32, n)
	u8 := make([]uint8, n)
	for j := range f32 {
		f32[j] = float32(i) + float32(j)/4
		u8[j] = uint8(i + j)
	}
	return types.Row{
		types.Uint64(math.MaxUint64 - uint64(i)),
		types.Int32(int32(-i)),
		types.Uint8(uint8(i)),
		types.Uint32(math.MaxUint32 - uint32(i)),
		types.Float32(float32(i) * 1.5),
		types.Float64(-float64(i) / 3),
		types.Char('a' + byte(i%26)),
		types.Int32s([]int32{int32(-i), int32(i)}[:min(n, 2)]),
		types.Uint8s(u8),
		types.Uint32s(make([]uint32, n)),
		types.Uint64s([]uint64{math.MaxUint64, 0, 1}[:n]),
		types.Float32s(f32),
		types.Float64s([]float64{math.Inf(1), -0.5, 1e300}[:n]),
		types.Chars([]byte("xyz")[:n]),
	}
}

func declareAll(t *testing.T, s Sink, cols []ColumnDecl) {
	t.Helper()
	for _, c := range cols {
		if err := s.DeclareColumn(c.Name, c.Kind, c.Elem); err != nil {
			t.Fatalf("DeclareColumn(%s) failed: %v", c.Name, err)
		}
	}
}

func assertRowsEqual(t *testing.T, got, want []types.Row) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d has %d values, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			if !got[i][j].Equal(want[i][j]) {
				t.Errorf("row %d column %d = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestDeclarations(t *testing.T) {
	var d declarations
	if err := d.declare("a", types.KindScalar, types.ElemInt32); err != nil {
		t.Fatal(err)
	}
	if err := d.declare("a", types.KindScalar, types.ElemInt32); err == nil {
		t.Error("expected error for duplicate column")
	}
	if err := d.declare("b", types.KindInvalid, types.ElemInt32); err == nil {
		t.Error("expected error for invalid kind")
	}
	if err := d.declare("c", types.KindScalar, types.ElemInvalid); err == nil {
		t.Error("expected error for invalid element type")
	}

	if err := d.check(types.Row{types.Float32(1)}); err == nil {
		t.Error("expected error for wrong type")
	}
	if err := d.check(types.Row{}); err == nil {
		t.Error("expected error for wrong length")
	}
	if err := d.check(types.Row{types.Int32(1)}); err != nil {
		t.Errorf("valid row rejected: %v", err)
	}
	if err := d.declare("late", types.KindScalar, types.ElemInt32); err == nil {
		t.Error("expected error declaring after the first row")
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.DeclareColumn("a", types.KindScalar, types.ElemInt32); err == nil {
		t.Error("declare before open should fail")
	}
	if err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	declareAll(t, m, testColumns())
	want := []types.Row{testRow(0), testRow(1)}
	for _, r := range want {
		if err := m.AppendRow(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	assertRowsEqual(t, m.Rows(), want)
	if !m.Finalized() || m.Count() != 2 {
		t.Errorf("finalized=%v count=%d", m.Finalized(), m.Count())
	}
	if err := m.AppendRow(ctx, testRow(2)); err == nil {
		t.Error("append after finalize should fail")
	}
}

func TestMemory_FailAfter(t *testing.T) {
	ctx := context.Background()
	m := &Memory{FailAfter: 1}
	m.Open(ctx)
	m.DeclareColumn("a", types.KindScalar, types.ElemInt32)
	if err := m.AppendRow(ctx, types.Row{types.Int32(1)}); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendRow(ctx, types.Row{types.Int32(2)}); err == nil {
		t.Fatal("expected injected failure")
	}
	m.Abort()
	if !m.Aborted() || len(m.Rows()) != 0 {
		t.Error("abort should drop rows")
	}
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	d := NewDiscard()
	d.Open(ctx)
	declareAll(t, d, testColumns())
	for i := 0; i < 5; i++ {
		if err := d.AppendRow(ctx, testRow(i)); err != nil {
			t.Fatal(err)
		}
	}
	if d.Count() != 5 || len(d.Rows()) != 0 {
		t.Errorf("count=%d rows=%d", d.Count(), len(d.Rows()))
	}
}

func TestStatsDecorator(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s := WithStats(inner)

	var seen int
	s.OnRow = func(types.Row) { seen++ }

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	s.DeclareColumn("pt", types.KindScalar, types.ElemFloat32)
	s.DeclareColumn("trk", types.KindSequence, types.ElemFloat64)

	rows := []types.Row{
		{types.Float32(10), types.Float64s([]float64{1, 2, 3})},
		{types.Float32(-2), types.Float64s(nil)},
		{types.Float32(float32(math.NaN())), types.Float64s([]float64{-7})},
	}
	for _, r := range rows {
		if err := s.AppendRow(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tr := s.Tracker()
	if tr.RowCount() != 3 || seen != 3 {
		t.Errorf("rows=%d seen=%d", tr.RowCount(), seen)
	}
	pt, ok := tr.Get("pt")
	if !ok {
		t.Fatal("missing pt stats")
	}
	if *pt.Min != -2 || *pt.Max != 10 || pt.Elements != 3 || pt.NonFinite != 1 {
		t.Errorf("pt stats = %+v", pt)
	}
	trk, _ := tr.Get("trk")
	if *trk.Min != -7 || *trk.Max != 3 || trk.Elements != 4 {
		t.Errorf("trk stats = %+v", trk)
	}
	if trk.Type != "float64[]" {
		t.Errorf("trk type = %s", trk.Type)
	}

	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	if !inner.Aborted() {
		t.Error("Abort did not reach the inner sink")
	}
}

func TestStatsDecorator_RejectedRowNotCounted(t *testing.T) {
	ctx := context.Background()
	s := WithStats(&Memory{FailAfter: 1})
	s.Open(ctx)
	s.DeclareColumn("a", types.KindScalar, types.ElemInt32)
	s.AppendRow(ctx, types.Row{types.Int32(1)})
	if err := s.AppendRow(ctx, types.Row{types.Int32(2)}); err == nil {
		t.Fatal("expected failure")
	}
	if got := s.Tracker().RowCount(); got != 1 {
		t.Errorf("RowCount = %d, want 1", got)
	}
}

func TestPathOf(t *testing.T) {
	sq := NewSQLite("/tmp/x/out.sqlite", "", 0)
	if got := PathOf(WithStats(sq)); got != "/tmp/x/out.sqlite" {
		t.Errorf("PathOf(stats(sqlite)) = %q", got)
	}
	if got := PathOf(WithStats(NewMemory())); got != "" {
		t.Errorf("PathOf(memory) = %q", got)
	}
}

func TestNew(t *testing.T) {
	cases := []struct {
		opts    Options
		wantErr bool
	}{
		{Options{Format: "sqlite", Path: "a.sqlite"}, false},
		{Options{Format: "", Path: "a.sqlite"}, false},
		{Options{Format: "sqlite"}, true},
		{Options{Format: "arrow", Path: "a.arrow"}, false},
		{Options{Format: "ARROW"}, true},
		{Options{Format: "postgres", PostgresDSN: "postgres://localhost/db"}, false},
		{Options{Format: "postgres"}, true},
		{Options{Format: "memory"}, false},
		{Options{Format: "discard"}, false},
		{Options{Format: "root"}, true},
	}
	for _, tc := range cases {
		s, err := New(tc.opts)
		if (err != nil) != tc.wantErr {
			t.Errorf("New(%+v) error = %v, wantErr %v", tc.opts, err, tc.wantErr)
			continue
		}
		if err == nil && s == nil {
			t.Errorf("New(%+v) returned nil sink", tc.opts)
		}
	}

	s, _ := New(Options{Format: "postgres", PostgresDSN: "postgres://x", OutputID: "fixed"})
	if pg := s.(*Postgres); pg.OutputID() != "fixed" || pg.Table() != DefaultTable {
		t.Errorf("postgres sink = %s %s", pg.OutputID(), pg.Table())
	}
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]string{
		"a.sqlite":  FormatSQLite,
		"a.DB":      FormatSQLite,
		"x/a.arrow": FormatArrow,
	} {
		got, err := FormatOf(path)
		if err != nil || got != want {
			t.Errorf("FormatOf(%q) = %q, %v", path, got, err)
		}
	}
	if _, err := FormatOf("a.csv"); err == nil {
		t.Error("expected error for unknown extension")
	}
	if !IsFileFormat("arrow") || IsFileFormat("postgres") {
		t.Error("IsFileFormat wrong")
	}
	if Extension("sqlite") != ".sqlite" {
		t.Error("Extension wrong")
	}
}
