// Package main implements ntupler-inspect, a tool for looking at schemas,
// finished outputs and the publish manifest.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ntupler/ntupler/internal/config"
	"github.com/ntupler/ntupler/internal/manifest"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/internal/storage"
	"github.com/ntupler/ntupler/pkg/types"
)

var commands = map[string]func(ctx context.Context, args []string) error{
	"schema":     cmdSchema,
	"dump":       cmdDump,
	"meta":       cmdMeta,
	"list":       cmdList,
	"find-event": cmdFindEvent,
	"fetch":      cmdFetch,
}

func usage() {
	fmt.Fprintf(os.Stderr, "ntupler-inspect - inspect ntupler schemas and outputs\n\n")
	fmt.Fprintf(os.Stderr, "Usage: ntupler-inspect <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  schema      Print the columns a catalog produces\n")
	fmt.Fprintf(os.Stderr, "  dump        Print rows of a sqlite or arrow output as JSON lines\n")
	fmt.Fprintf(os.Stderr, "  meta        Print an output's sidecar\n")
	fmt.Fprintf(os.Stderr, "  list        List published outputs\n")
	fmt.Fprintf(os.Stderr, "  find-event  List published outputs that may contain an event\n")
	fmt.Fprintf(os.Stderr, "  fetch       Download published objects into a local directory\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  ntupler-inspect schema -catalog decaymode -truth\n")
	fmt.Fprintf(os.Stderr, "  ntupler-inspect dump -limit 10 data/ntupler/outputs/ntuple.sqlite\n")
	fmt.Fprintf(os.Stderr, "  ntupler-inspect find-event -config ntupler.yaml 123456\n")
	fmt.Fprintf(os.Stderr, "\nRun 'ntupler-inspect <command> -h' for command options.\n")
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}
	if err := cmd(context.Background(), os.Args[2:]); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func cmdSchema(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	catalog := fs.String("catalog", "tauid", "Catalog name: "+strings.Join(schema.CatalogNames(), ", "))
	truth := fs.Bool("truth", false, "Include truth columns")
	rnn := fs.Bool("rnn-score", false, "Include the RNN score column")
	asJSON := fs.Bool("json", false, "Print as JSON")
	fs.Parse(args)

	opts := schema.NewOptions()
	if *truth {
		opts.Flags[schema.FlagTruth] = true
	}
	if *rnn {
		opts.Flags[schema.FlagRNNScore] = true
	}
	cat, err := schema.Lookup(*catalog)
	if err != nil {
		return err
	}
	flags, ignored := catalogFlags(cat, opts)
	for _, f := range ignored {
		log.Printf("catalog %s has no %s columns, flag ignored", cat.Name, f)
	}
	s, err := schema.Build(cat, opts)
	if err != nil {
		return err
	}

	if *asJSON {
		type column struct {
			Name      string `json:"name"`
			Type      string `json:"type"`
			Level     string `json:"level"`
			Source    string `json:"source"`
			Transform string `json:"transform,omitempty"`
			OnMissing string `json:"on_missing"`
		}
		out := struct {
			Catalog     string   `json:"catalog"`
			Version     int      `json:"version"`
			Fingerprint string   `json:"fingerprint"`
			KeyColumn   string   `json:"key_column,omitempty"`
			Flags       []string `json:"flags,omitempty"`
			Columns     []column `json:"columns"`
		}{
			Catalog:     s.Catalog(),
			Version:     s.Version(),
			Fingerprint: fmt.Sprintf("%016x", s.Fingerprint()),
			KeyColumn:   s.KeyColumn(),
			Flags:       flags,
		}
		for _, c := range s.Columns() {
			col := column{
				Name:      c.Name,
				Type:      c.TypeName(),
				Level:     c.Level.String(),
				Source:    c.Source,
				OnMissing: c.OnMissing.String(),
			}
			if c.Transform != types.TransformNone {
				col.Transform = c.Transform.String()
			}
			out.Columns = append(out.Columns, col)
		}
		return printJSON(out)
	}

	fmt.Printf("catalog %s v%d, %d columns, fingerprint %016x\n", s.Catalog(), s.Version(), s.Len(), s.Fingerprint())
	fmt.Printf("flags: %s\n\n", strings.Join(flags, ", "))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tTYPE\tLEVEL\tSOURCE\tTRANSFORM\tMISSING")
	for i, c := range s.Columns() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i, c.Name, c.TypeName(), c.Level, c.Source, c.Transform, c.OnMissing)
	}
	return w.Flush()
}

func cmdDump(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	offset := fs.Int64("offset", 0, "Rows to skip")
	limit := fs.Int64("limit", 0, "Maximum rows to print (0 for all)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one output file")
	}
	path := fs.Arg(0)

	format, err := sink.FormatOf(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	rowPrinter := func(cols []sink.ColumnDecl) func(int64, types.Row) error {
		return func(_ int64, row types.Row) error {
			obj := make(map[string]types.Value, len(row))
			for i, v := range row {
				obj[cols[i].Name] = v
			}
			return enc.Encode(obj)
		}
	}

	switch format {
	case sink.FormatSQLite:
		r, err := sink.OpenSQLite(ctx, path, "")
		if err != nil {
			return err
		}
		defer r.Close()
		return r.Scan(ctx, *offset, *limit, rowPrinter(r.Columns()))
	default:
		r, err := sink.OpenArrow(path)
		if err != nil {
			return err
		}
		defer r.Close()
		fn := rowPrinter(r.Columns())
		printed := int64(0)
		err = r.Scan(func(index int64, row types.Row) error {
			if index < *offset {
				return nil
			}
			if *limit > 0 && printed >= *limit {
				return errStop
			}
			printed++
			return fn(index, row)
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	}
}

var errStop = errors.New("stop")

func cmdMeta(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("meta", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one output or sidecar file")
	}
	path := fs.Arg(0)
	if !strings.HasSuffix(path, ".meta.json") {
		path = manifest.SidecarPath(path)
	}
	sc, err := manifest.ReadSidecarFromFile(path)
	if err != nil {
		return err
	}
	return printJSON(sc)
}

// loadConfig reads the config file named by -config, or the defaults, then
// applies NTUPLER_* variables.
func loadConfig(path, dataDir string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	return cfg, nil
}

func openCatalog(fs *flag.FlagSet, args []string) (*manifest.SQLiteCatalog, error) {
	configFile := fs.String("config", "", "Path to configuration file")
	dataDir := fs.String("data-dir", "", "Base data directory")
	fs.Parse(args)

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ManifestPath()); err != nil {
		return nil, fmt.Errorf("no manifest at %s", cfg.ManifestPath())
	}
	return manifest.NewCatalog(cfg.ManifestPath())
}

// catalogFlags returns the flags cat understands and the enabled flags in
// opts that it does not reference.
func catalogFlags(cat *schema.Catalog, opts schema.Options) (flags []string, ignored []string) {
	known := cat.Flags()
	for _, f := range known {
		flags = append(flags, string(f))
	}
	for f, on := range opts.Flags {
		if on && !slices.Contains(known, f) {
			ignored = append(ignored, string(f))
		}
	}
	slices.Sort(ignored)
	return flags, ignored
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	catalog := fs.String("catalog", "", "Only outputs of this catalog")
	since := fs.Duration("since", 0, "Only outputs published within this duration")
	limit := fs.Int("limit", 50, "Maximum outputs to list")
	cat, err := openCatalog(fs, args)
	if err != nil {
		return err
	}
	defer cat.Close()

	filter := manifest.ListFilter{Catalog: *catalog, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	outputs, err := cat.ListOutputs(ctx, filter)
	if err != nil {
		return err
	}
	printOutputs(outputs)
	total, err := cat.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d of %d published outputs\n", len(outputs), total)
	return nil
}

func cmdFindEvent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find-event", flag.ExitOnError)
	catalog := fs.String("catalog", "tauid", "Catalog of the outputs to search")
	cat, err := openCatalog(fs, args)
	if err != nil {
		return err
	}
	defer cat.Close()
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one event number")
	}
	key, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid event number %q: %w", fs.Arg(0), err)
	}

	outputs, err := cat.FindByKey(ctx, *catalog, key)
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		fmt.Fprintf(os.Stderr, "event %d is in no published %s output\n", key, *catalog)
		return nil
	}
	printOutputs(outputs)
	return nil
}

func printOutputs(outputs []*manifest.OutputRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OUTPUT\tCATALOG\tFORMAT\tRECORDS\tROWS\tSIZE\tCREATED\tOBJECT")
	for _, o := range outputs {
		fmt.Fprintf(w, "%s\t%s v%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			o.OutputID, o.Catalog, o.CatalogVersion, o.Format, o.RecordCount, o.RowCount,
			o.SizeBytes, o.CreatedAt.Format(time.RFC3339), o.ObjectPath)
	}
	w.Flush()
}

func cmdFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file")
	dataDir := fs.String("data-dir", "", "Base data directory")
	dir := fs.String("dir", "", "Download directory (default <data-dir>/fetched)")
	concurrency := fs.Int("concurrency", 4, "Parallel downloads")
	sidecars := fs.Bool("sidecars", false, "Also fetch each object's sidecar")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("expected at least one object path")
	}

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		return err
	}
	if !cfg.Publishing() {
		return fmt.Errorf("no storage configured")
	}
	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = filepath.Join(cfg.DataDir, "fetched")
	}

	paths := fs.Args()
	if *sidecars {
		for _, p := range fs.Args() {
			paths = append(paths, manifest.SidecarPath(p))
		}
	}

	res, err := storage.NewFetcher(store, *concurrency, *dir).Fetch(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if local, ok := res.LocalPaths[p]; ok {
			fmt.Printf("%s\t%s\n", p, local)
		}
	}
	log.Printf("%d downloaded, %d cached, %d failed", res.Downloads, res.CacheHits, len(res.Errors))
	if len(res.Errors) > 0 {
		for p, e := range res.Errors {
			log.Printf("%s: %v", p, e)
		}
		return fmt.Errorf("%d objects failed", len(res.Errors))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
