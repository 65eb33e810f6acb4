package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/pkg/types"
)

func TestSidecarPath(t *testing.T) {
	cases := map[string]string{
		"out/run.sqlite":     "out/run.meta.json",
		"run.arrow":          "run.meta.json",
		"/data/a.b.sqlite":   "/data/a.b.meta.json",
		"/data/no_extension": "/data/no_extension.meta.json",
	}
	for in, want := range cases {
		if got := SidecarPath(in); got != filepath.FromSlash(want) {
			t.Errorf("SidecarPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("hello"), 0644)
	os.WriteFile(b, []byte("hellp"), 0644)

	sa, err := FileChecksum(a)
	if err != nil {
		t.Fatal(err)
	}
	sa2, _ := FileChecksum(a)
	sb, _ := FileChecksum(b)
	if len(sa) != 16 || sa != sa2 {
		t.Errorf("checksum not stable: %s %s", sa, sa2)
	}
	if sa == sb {
		t.Error("different content produced the same checksum")
	}
	if _, err := FileChecksum(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestKeySet(t *testing.T) {
	s, err := schema.BuildNamed("tauid", schema.NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	keys := NewKeySet(s)
	if keys == nil {
		t.Fatal("tauid schema should have a key set")
	}
	_, idx, _ := s.Lookup(s.KeyColumn())

	row := make(types.Row, s.Len())
	for _, k := range []uint64{7, 7, 8} {
		row[idx] = types.Uint64(k)
		keys.Observe(row)
	}
	if keys.Len() != 2 {
		t.Errorf("Len = %d, want 2 distinct keys", keys.Len())
	}

	var nilSet *KeySet
	nilSet.Observe(row)
	if nilSet.Len() != 0 {
		t.Error("nil key set should be empty")
	}
}

func TestGenerator_SQLiteOutput(t *testing.T) {
	ctx := context.Background()
	s, err := schema.BuildNamed("tauid", schema.NewOptions())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "run.sqlite")
	stats := sink.WithStats(sink.NewSQLite(path, "", 0))
	keys := NewKeySet(s)
	stats.OnRow = keys.Observe

	if err := stats.Open(ctx); err != nil {
		t.Fatal(err)
	}
	for _, c := range s.Columns() {
		if err := stats.DeclareColumn(c.Name, c.Kind, c.Elem); err != nil {
			t.Fatal(err)
		}
	}
	_, keyIdx, _ := s.Lookup(s.KeyColumn())
	for event := uint64(100); event < 103; event++ {
		row := make(types.Row, s.Len())
		for i, c := range s.Columns() {
			row[i] = types.ZeroValue(c.Kind, c.Elem)
		}
		row[keyIdx] = types.Uint64(event)
		if err := stats.AppendRow(ctx, row); err != nil {
			t.Fatal(err)
		}
	}
	if err := stats.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	info := &OutputInfo{
		OutputID:  "out-1",
		Schema:    s,
		Format:    sink.FormatSQLite,
		Path:      path,
		Table:     sink.DefaultTable,
		Records:   3,
		Stats:     stats.Tracker(),
		Keys:      keys,
		CreatedAt: time.Unix(1700000000, 0),
	}
	scPath := SidecarPath(path)
	sc, err := NewGenerator().GenerateAndWrite(info, scPath)
	if err != nil {
		t.Fatalf("GenerateAndWrite failed: %v", err)
	}

	back, err := ReadSidecarFromFile(scPath)
	if err != nil {
		t.Fatal(err)
	}
	if back.OutputID != "out-1" || back.Catalog != "tauid" || back.CatalogVersion != 1 {
		t.Errorf("header = %+v", back)
	}
	if back.Fingerprint != sc.Fingerprint || len(back.Fingerprint) != 16 {
		t.Errorf("fingerprint = %q", back.Fingerprint)
	}
	if len(back.Columns) != s.Len() {
		t.Errorf("columns = %d, want %d", len(back.Columns), s.Len())
	}
	if back.Stats.Rows != 3 || back.Stats.Records != 3 || back.Stats.SizeBytes <= 0 {
		t.Errorf("stats = %+v", back.Stats)
	}
	if back.Checksum == "" {
		t.Error("missing checksum")
	}
	if !back.CreatedAtTime().Equal(time.Unix(1700000000, 0)) {
		t.Errorf("created_at = %v", back.CreatedAtTime())
	}

	for event := uint64(100); event < 103; event++ {
		ok, err := back.MayContainKey(event)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("key filter lost event %d", event)
		}
	}

	var absCol *ColumnMeta
	for i := range back.Columns {
		if back.Columns[i].Name == "TauJets.absipSigLeadTrk" {
			absCol = &back.Columns[i]
		}
	}
	if absCol == nil || absCol.Transform != "abs" || absCol.Source != "ipSigLeadTrk" {
		t.Errorf("abs column meta = %+v", absCol)
	}
}

func TestGenerator_NoSchema(t *testing.T) {
	if _, err := NewGenerator().Generate(&OutputInfo{OutputID: "x"}); err == nil {
		t.Error("expected error without schema")
	}
}
