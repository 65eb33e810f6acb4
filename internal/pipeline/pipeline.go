// Package pipeline runs conversions. Each shard reads records from a source,
// emits them through one session into one sink, then describes the
// finalized output in a sidecar and optionally publishes it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ntupler/ntupler/internal/config"
	"github.com/ntupler/ntupler/internal/emit"
	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/internal/manifest"
	"github.com/ntupler/ntupler/internal/observability"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/internal/source"
	"github.com/ntupler/ntupler/internal/storage"
	"github.com/ntupler/ntupler/pkg/types"
)

// Pipeline converts the input described by a Config.
type Pipeline struct {
	cfg       *config.Config
	schema    *schema.Schema
	metrics   *observability.Metrics
	store     storage.ObjectStorage
	catalog   manifest.Catalog
	generator *manifest.Generator
	ownsCat   bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMetrics records run metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPublisher publishes to store and registers in catalog instead of the
// storage and manifest named by the config.
func WithPublisher(store storage.ObjectStorage, catalog manifest.Catalog) Option {
	return func(p *Pipeline) {
		p.store = store
		p.catalog = catalog
	}
}

// New validates cfg and builds the schema. A schema that cannot be built
// fails here, before any input or output is touched.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := schema.BuildNamed(cfg.Catalog, cfg.SchemaOptions())
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		schema:    s,
		generator: manifest.NewGenerator(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if cfg.Publishing() && p.store == nil {
		store, err := storage.Open(ctx, cfg.StorageOptions())
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to open storage: %w", err)
		}
		cat, err := manifest.NewCatalog(cfg.ManifestPath())
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to open manifest: %w", err)
		}
		p.store, p.catalog, p.ownsCat = store, cat, true
	}

	log.Printf("pipeline: schema %s v%d with %d columns (fingerprint %016x)",
		s.Catalog(), s.Version(), s.Len(), s.Fingerprint())
	return p, nil
}

// Schema returns the schema every shard emits.
func (p *Pipeline) Schema() *schema.Schema { return p.schema }

// Close releases the manifest catalog if the pipeline opened it.
func (p *Pipeline) Close() error {
	if p.ownsCat && p.catalog != nil {
		return p.catalog.Close()
	}
	return nil
}

// Shard is one unit of conversion: its inputs become one output.
type Shard struct {
	Name  string
	Paths []string
}

// Shards splits the configured input. With shard_by_file every JSONL path
// is its own shard named after the file; otherwise the whole input is one
// shard named after the output.
func (p *Pipeline) Shards() []Shard {
	in := p.cfg.Input
	if in.Type != source.TypeJSONL || !in.ShardByFile || len(in.Paths) < 2 {
		return []Shard{{Name: p.cfg.Output.Name, Paths: in.Paths}}
	}

	shards := make([]Shard, len(in.Paths))
	seen := make(map[string]int)
	for i, path := range in.Paths {
		base := p.cfg.Output.Name + "-" + stem(path)
		name := base
		if n := seen[base]; n > 0 {
			name += "-" + strconv.Itoa(n)
		}
		seen[base]++
		shards[i] = Shard{Name: name, Paths: []string{path}}
	}
	return shards
}

func stem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, source.SnappySuffix)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Run converts every shard, at most cfg.Concurrency at a time. The first
// shard to fail cancels the others. The report covers every shard that
// started, including failed ones.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	shards := p.Shards()
	results := make([]*OutputReport, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, sh := range shards {
		g.Go(func() error {
			opts := p.cfg.SourceOptions()
			opts.Paths = sh.Paths
			src, err := source.Open(gctx, opts)
			if err != nil {
				out := &OutputReport{Shard: sh.Name, Format: p.cfg.Output.Format}
				out.noteError(err, 0)
				results[i] = out
				return err
			}
			out, err := p.RunShard(gctx, sh.Name, src)
			results[i] = out
			return err
		})
	}
	err := g.Wait()

	report := &Report{
		Catalog:        p.schema.Catalog(),
		CatalogVersion: p.schema.Version(),
		Fingerprint:    fmt.Sprintf("%016x", p.schema.Fingerprint()),
	}
	for _, out := range results {
		if out != nil {
			report.add(out)
		}
	}
	report.Duration = time.Since(start)
	log.Printf("pipeline: %s", report.Summary())
	return report, err
}

// RunShard converts everything src yields into one output named name, and
// closes src. On failure the output is aborted and nothing is published.
func (p *Pipeline) RunShard(ctx context.Context, name string, src source.Source) (*OutputReport, error) {
	defer src.Close()

	out := &OutputReport{
		Shard:    name,
		OutputID: uuid.NewString(),
		Format:   p.cfg.Output.Format,
	}
	path := ""
	if sink.IsFileFormat(out.Format) {
		path = filepath.Join(p.cfg.Output.Dir, name+sink.Extension(out.Format))
	}

	inner, err := sink.New(sink.Options{
		Format:      out.Format,
		Path:        path,
		Table:       p.cfg.Output.Table,
		BatchSize:   p.cfg.Output.BatchSize,
		PostgresDSN: p.cfg.Output.PostgresDSN,
		OutputID:    out.OutputID,
	})
	if err != nil {
		err = ntErrors.NewEmitError(ntErrors.CodeSinkUnavailable, "cannot create sink", err)
		out.noteError(err, 0)
		return out, err
	}
	p.describe(inner, out.OutputID)

	stats := sink.WithStats(inner)
	keys := manifest.NewKeySet(p.schema)
	digest := manifest.NewRowDigest()
	stats.OnRow = func(row types.Row) {
		keys.Observe(row)
		digest.Observe(row)
		p.metrics.ObserveRow()
	}

	sess, err := emit.Open(ctx, p.schema, stats)
	if err != nil {
		out.noteError(err, 0)
		p.metrics.ObserveError(err, false)
		return out, err
	}
	p.metrics.OutputOpened()

	if err := p.emitAll(ctx, sess, src, out); err != nil {
		sess.Abort()
		out.Rows = 0
		p.metrics.OutputClosed("aborted")
		log.Printf("pipeline: %s: aborted: %v", name, err)
		return out, err
	}
	if err := sess.Close(ctx); err != nil {
		out.noteError(err, out.Received)
		out.Rows = 0
		p.metrics.ObserveError(err, false)
		p.metrics.OutputClosed("aborted")
		return out, err
	}
	out.Rows = sess.Rows()
	out.Committed = true
	out.Path = sink.PathOf(inner)
	p.metrics.OutputClosed("committed")

	if out.Path == "" {
		return out, nil
	}

	sc, err := p.generator.GenerateAndWrite(&manifest.OutputInfo{
		OutputID:  out.OutputID,
		Schema:    p.schema,
		Format:    out.Format,
		Path:      out.Path,
		Table:     p.cfg.Output.Table,
		Records:   out.Records,
		Skipped:   out.Skipped,
		Stats:     stats.Tracker(),
		Keys:      keys,
		Digest:    digest,
		CreatedAt: time.Now(),
	}, manifest.SidecarPath(out.Path))
	if err != nil {
		err = ntErrors.NewInternalError(fmt.Sprintf("%s: failed to write sidecar", name), err)
		out.noteError(err, out.Received)
		p.metrics.ObserveError(err, false)
		return out, err
	}
	out.Sidecar = manifest.SidecarPath(out.Path)

	if p.store == nil {
		return out, nil
	}
	if err := p.publish(ctx, sc, out); err != nil {
		p.metrics.ObserveError(err, false)
		return out, err
	}
	return out, nil
}

// emitAll drains src into sess, applying the record error policy.
func (p *Pipeline) emitAll(ctx context.Context, sess *emit.Session, src source.Source, out *OutputReport) error {
	skip := p.cfg.OnRecordError == config.OnErrorSkip
	for {
		rec, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		index := out.Received
		out.Received++

		if err == nil {
			start := time.Now()
			if _, err = sess.EmitRecord(ctx, rec); err == nil {
				out.Records++
				p.metrics.ObserveRecord(time.Since(start))
				continue
			}
		}

		skipped := skip && recordLevel(err)
		p.metrics.ObserveError(err, skipped)
		out.noteError(err, index)
		if !skipped {
			return err
		}
		out.Skipped++
		log.Printf("pipeline: %s: skipping record %d: %v", out.Shard, index, err)
	}
}

// recordLevel reports whether err only concerns the record being read or
// emitted, so that later records are unaffected.
func recordLevel(err error) bool {
	return errors.Is(err, ntErrors.ErrDecodeFailed) ||
		errors.Is(err, ntErrors.ErrMissingAttribute) ||
		errors.Is(err, ntErrors.ErrTypeMismatch)
}

// describe stores schema identity in file outputs that carry metadata.
func (p *Pipeline) describe(s sink.Sink, outputID string) {
	m, ok := s.(interface{ SetMeta(key, value string) })
	if !ok {
		return
	}
	m.SetMeta("output_id", outputID)
	m.SetMeta("catalog", p.schema.Catalog())
	m.SetMeta("catalog_version", strconv.Itoa(p.schema.Version()))
	m.SetMeta("fingerprint", fmt.Sprintf("%016x", p.schema.Fingerprint()))
}

// publish uploads the output and sidecar and registers them. An object
// that already exists with the same content is logged and skipped; one
// with different content is an OBJECT_CONFLICT error.
func (p *Pipeline) publish(ctx context.Context, sc *manifest.Sidecar, out *OutputReport) error {
	pub, err := storage.Publish(ctx, p.store, p.cfg.Storage.Prefix, sc.Catalog, sc.CatalogVersion, out.Path, out.Sidecar)
	if errors.Is(err, storage.ErrAlreadyExists) {
		out.ObjectPath = pub.ObjectPath
		existing, err := p.publishedSidecar(ctx, pub.SidecarPath)
		if err != nil {
			return err
		}
		if existing == nil || !existing.SameContent(sc) {
			err := ntErrors.NewStorageError(ntErrors.CodeObjectConflict,
				fmt.Sprintf("%s already holds different content", pub.ObjectPath), nil)
			out.noteError(err, out.Received)
			p.metrics.OutputPublished("conflict")
			return err
		}
		out.Duplicate = true
		p.metrics.OutputPublished("duplicate")
		log.Printf("pipeline: %s: %s already exists with the same content, not republished", out.Shard, pub.ObjectPath)
		return nil
	}
	if err != nil {
		return err
	}
	out.ObjectPath = pub.ObjectPath

	existing, err := p.catalog.Register(ctx, sc, pub.ObjectPath, pub.SidecarPath)
	if errors.Is(err, ntErrors.ErrAlreadyPublished) {
		out.Duplicate = true
		p.metrics.OutputPublished("duplicate")
		log.Printf("pipeline: %s: identical output %s already registered", out.Shard, existing)
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline: failed to register %s: %w", out.OutputID, err)
	}
	out.Published = true
	p.metrics.OutputPublished("published")
	return nil
}

// publishedSidecar downloads and reads the sidecar stored at objectPath. It
// returns nil if there is none.
func (p *Pipeline) publishedSidecar(ctx context.Context, objectPath string) (*manifest.Sidecar, error) {
	if objectPath == "" {
		return nil, nil
	}
	f, err := os.CreateTemp(p.cfg.DataDir, ".published-*.meta.json")
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to create temp file: %w", err)
	}
	local := f.Name()
	f.Close()
	defer os.Remove(local)

	if err := p.store.Download(ctx, objectPath, local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("pipeline: failed to fetch published sidecar: %w", err)
	}
	return manifest.ReadSidecarFromFile(local)
}
