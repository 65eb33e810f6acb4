package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ntupler/ntupler/internal/config"
	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/internal/manifest"
	"github.com/ntupler/ntupler/internal/observability"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/internal/source"
	"github.com/ntupler/ntupler/internal/storage"
	"github.com/ntupler/ntupler/pkg/types"
)

func tauSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildNamed("tauid", schema.NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// tauRecord fills every attribute the tauid schema reads. Object j gets
// pt = j+1.
func tauRecord(s *schema.Schema, event uint64, objects int) *types.Record {
	rec := &types.Record{Attributes: types.Attributes{}}
	for j := 0; j < objects; j++ {
		rec.Objects = append(rec.Objects, types.Attributes{})
	}
	for _, c := range s.Columns() {
		if c.Level == types.LevelEvent {
			rec.Attributes[c.Source] = types.ZeroValue(c.Kind, c.Elem)
			continue
		}
		for j := range rec.Objects {
			rec.Objects[j][c.Source] = types.ZeroValue(c.Kind, c.Elem)
		}
	}
	rec.Attributes["mcEventNumber"] = types.Uint64(event)
	for j := range rec.Objects {
		rec.Objects[j]["pt"] = types.Float32(float32(j + 1))
	}
	return rec
}

func writeInput(t *testing.T, dir, name string, recs ...*types.Record) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := source.WriteJSONLFile(path, recs...); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, paths ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Input.Paths = paths
	cfg.Output.BatchSize = 2
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRun_SQLite(t *testing.T) {
	s := tauSchema(t)
	in := writeInput(t, t.TempDir(), "events.jsonl",
		tauRecord(s, 1, 2), tauRecord(s, 2, 0), tauRecord(s, 3, 1), tauRecord(s, 4, 3))

	m := observability.NewMetrics(nil)
	p := newPipeline(t, testConfig(t, in), WithMetrics(m))
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Records != 4 || report.Rows != 6 || report.Skipped != 0 || report.FirstError != nil {
		t.Errorf("unexpected report %s", report.Summary())
	}
	if got := testutil.ToFloat64(m.RowsTotal); got != 6 {
		t.Errorf("rows metric = %v", got)
	}
	if got := testutil.ToFloat64(m.OutputsTotal.WithLabelValues("committed")); got != 1 {
		t.Errorf("committed outputs metric = %v", got)
	}
	if report.Catalog != "tauid" || report.Fingerprint != fmt.Sprintf("%016x", s.Fingerprint()) {
		t.Errorf("report schema identity %+v", report)
	}
	if len(report.Outputs) != 1 {
		t.Fatalf("outputs = %d", len(report.Outputs))
	}
	out := report.Outputs[0]
	if !out.Committed || out.Published || !strings.HasSuffix(out.Path, "ntuple.sqlite") {
		t.Errorf("output %+v", out)
	}

	ctx := context.Background()
	r, err := sink.OpenSQLite(ctx, out.Path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if n, _ := r.Count(ctx); n != 6 {
		t.Errorf("row count = %d", n)
	}
	meta, err := r.Meta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if meta["catalog"] != "tauid" || meta["output_id"] != out.OutputID {
		t.Errorf("meta = %v", meta)
	}

	sc, err := manifest.ReadSidecarFromFile(out.Sidecar)
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	if sc.OutputID != out.OutputID || sc.Stats.Records != 4 || sc.Stats.Rows != 6 {
		t.Errorf("sidecar %+v", sc.Stats)
	}
	for _, key := range []uint64{1, 3, 4} {
		if ok, _ := sc.MayContainKey(key); !ok {
			t.Errorf("key filter misses event %d", key)
		}
	}
}

func TestRun_SkipPolicy(t *testing.T) {
	s := tauSchema(t)
	dir := t.TempDir()
	missing := tauRecord(s, 2, 2)
	delete(missing.Objects[1], "pt")
	in := writeInput(t, dir, "events.jsonl", tauRecord(s, 1, 1), missing, tauRecord(s, 3, 1))

	// Append an undecodable line.
	f, err := os.OpenFile(in, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	cfg := testConfig(t, in)
	cfg.OnRecordError = config.OnErrorSkip
	report, err := newPipeline(t, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Received != 4 || report.Records != 2 || report.Rows != 2 || report.Skipped != 2 {
		t.Errorf("unexpected report %s", report.Summary())
	}

	fe := report.FirstError
	if fe == nil {
		t.Fatal("first error not reported")
	}
	if fe.Code != ntErrors.CodeMissingAttribute || fe.Column != "TauJets.pt" || fe.Record != 1 || fe.Object != 1 {
		t.Errorf("first error %+v", fe)
	}
	if !report.Outputs[0].Committed {
		t.Error("skip policy must still commit the output")
	}
}

func TestRun_AbortPolicy(t *testing.T) {
	s := tauSchema(t)
	bad := tauRecord(s, 2, 1)
	bad.Objects[0]["pt"] = types.Float64(1)
	in := writeInput(t, t.TempDir(), "events.jsonl", tauRecord(s, 1, 1), bad, tauRecord(s, 3, 1))

	cfg := testConfig(t, in)
	report, err := newPipeline(t, cfg).Run(context.Background())
	if !errors.Is(err, ntErrors.ErrTypeMismatch) {
		t.Fatalf("expected TYPE_MISMATCH, got %v", err)
	}
	out := report.Outputs[0]
	if out.Committed || out.Rows != 0 {
		t.Errorf("aborted output %+v", out)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "ntuple.sqlite")); out.Sidecar != "" || err == nil {
		t.Error("aborted output left files behind")
	}
	if report.FirstError == nil || report.FirstError.Record != 1 {
		t.Errorf("first error %+v", report.FirstError)
	}
}

func TestRun_ShardByFile(t *testing.T) {
	s := tauSchema(t)
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		paths = append(paths, writeInput(t, dir, fmt.Sprintf("part%d.jsonl", i),
			tauRecord(s, uint64(10*i), i+1), tauRecord(s, uint64(10*i+1), 1)))
	}

	cfg := testConfig(t, paths...)
	cfg.Input.ShardByFile = true
	cfg.Concurrency = 2
	cfg.Output.Format = sink.FormatArrow
	report, err := newPipeline(t, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Outputs) != 3 || report.Records != 6 || report.Rows != 9 {
		t.Fatalf("unexpected report %s", report.Summary())
	}
	for i, out := range report.Outputs {
		want := fmt.Sprintf("ntuple-part%d", i)
		if out.Shard != want || filepath.Base(out.Path) != want+".arrow" {
			t.Errorf("output %d: %s at %s", i, out.Shard, out.Path)
		}
		r, err := sink.OpenArrow(out.Path)
		if err != nil {
			t.Fatal(err)
		}
		rows, err := r.ReadAll()
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(rows)) != out.Rows || len(rows) != i+2 {
			t.Errorf("output %d has %d rows", i, len(rows))
		}
	}
}

func TestRun_Publish(t *testing.T) {
	s := tauSchema(t)
	in := writeInput(t, t.TempDir(), "events.jsonl", tauRecord(s, 7, 2), tauRecord(s, 8, 1))

	cfg := testConfig(t, in)
	cfg.Storage.Type = storage.TypeLocal
	ctx := context.Background()

	p := newPipeline(t, cfg)
	report, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out := report.Outputs[0]
	if !out.Published || out.ObjectPath != "ntuples/tauid/v1/ntuple.sqlite" {
		t.Fatalf("output %+v", out)
	}

	cat, err := manifest.NewCatalog(cfg.ManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	rec, err := cat.GetOutput(ctx, out.OutputID)
	if err != nil {
		t.Fatalf("output not registered: %v", err)
	}
	if rec.RowCount != 3 || rec.ObjectPath != out.ObjectPath {
		t.Errorf("registered %+v", rec)
	}
	hits, err := cat.FindByKey(ctx, "tauid", 8)
	if err != nil || len(hits) != 1 {
		t.Errorf("FindByKey = %v, %v", hits, err)
	}

	// A second run of the same config writes the same object name and is
	// reported as a duplicate, not an error.
	report, err = newPipeline(t, cfg).Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !report.Outputs[0].Duplicate || report.Outputs[0].Published {
		t.Errorf("second output %+v", report.Outputs[0])
	}
	if n, _ := cat.Count(ctx); n != 1 {
		t.Errorf("catalog has %d outputs", n)
	}
}

func TestRun_PublishConflict(t *testing.T) {
	s := tauSchema(t)
	dir := t.TempDir()
	first := writeInput(t, dir, "first.jsonl", tauRecord(s, 7, 2))
	second := writeInput(t, dir, "second.jsonl", tauRecord(s, 999, 5))

	cfg := testConfig(t, first)
	cfg.Storage.Type = storage.TypeLocal
	ctx := context.Background()
	if _, err := newPipeline(t, cfg).Run(ctx); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// Same output name, different rows.
	cfg.Input.Paths = []string{second}
	report, err := newPipeline(t, cfg).Run(ctx)
	if !errors.Is(err, ntErrors.ErrObjectConflict) {
		t.Fatalf("expected OBJECT_CONFLICT, got %v", err)
	}
	out := report.Outputs[0]
	if out.Duplicate || out.Published {
		t.Errorf("conflicting output reported as %+v", out)
	}
	if report.FirstError == nil || report.FirstError.Code != ntErrors.CodeObjectConflict {
		t.Errorf("first error %+v", report.FirstError)
	}

	cat, err := manifest.NewCatalog(cfg.ManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	if n, _ := cat.Count(ctx); n != 1 {
		t.Errorf("catalog has %d outputs", n)
	}
}

func TestRunShard_SliceSource(t *testing.T) {
	s := tauSchema(t)
	cfg := testConfig(t, "unused.jsonl")
	cfg.Output.Format = sink.FormatMemory
	p := newPipeline(t, cfg)

	out, err := p.RunShard(context.Background(), "inline", source.NewSlice(tauRecord(s, 1, 3), tauRecord(s, 2, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if out.Rows != 4 || out.Path != "" || out.Sidecar != "" || !out.Committed {
		t.Errorf("output %+v", out)
	}
}

func TestRun_Canceled(t *testing.T) {
	s := tauSchema(t)
	in := writeInput(t, t.TempDir(), "events.jsonl", tauRecord(s, 1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPipeline(t, testConfig(t, in)).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t, "a.jsonl")
	cfg.Catalog = "jets"
	if _, err := New(context.Background(), cfg); !errors.Is(err, ntErrors.ErrInvalidConfig) {
		t.Errorf("unknown catalog: %v", err)
	}

	cfg = testConfig(t, "a.jsonl")
	cfg.DefaultOnMissing = []string{"TauJets.nope"}
	if _, err := New(context.Background(), cfg); !errors.Is(err, ntErrors.ErrUnknownColumn) {
		t.Errorf("unknown default-on-missing column: %v", err)
	}
}

func TestShards(t *testing.T) {
	cfg := testConfig(t, "a/run.jsonl", "b/run.jsonl.sz", "c/other.jsonl")
	cfg.Input.ShardByFile = true
	p := newPipeline(t, cfg)

	var names []string
	for _, sh := range p.Shards() {
		names = append(names, sh.Name)
	}
	want := "ntuple-run ntuple-run-1 ntuple-other"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("shards = %s, want %s", got, want)
	}

	cfg.Input.ShardByFile = false
	if sh := p.Shards(); len(sh) != 1 || len(sh[0].Paths) != 3 || sh[0].Name != "ntuple" {
		t.Errorf("unsharded = %+v", sh)
	}
}

func TestRecordLevel(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ntErrors.ErrDecodeFailed, true},
		{ntErrors.ErrMissingAttribute.At("x", 1, 0), true},
		{ntErrors.ErrTypeMismatch, true},
		{ntErrors.ErrSinkFailed, false},
		{ntErrors.ErrSourceUnavailable, false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := recordLevel(tc.err); got != tc.want {
			t.Errorf("recordLevel(%v) = %v", tc.err, got)
		}
	}
}
