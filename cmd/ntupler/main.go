// Package main implements the ntupler binary. It converts a stream of
// reconstructed records into one flat ntuple per shard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ntupler/ntupler/internal/config"
	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/internal/observability"
	"github.com/ntupler/ntupler/internal/pipeline"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile  string
	catalog     string
	truth       bool
	rnnScore    bool
	defaults    string
	onError     string
	concurrency int
	dataDir     string
	metricsAddr string

	inputType   string
	inputs      string
	shardByFile bool
	zmqEndpoint string
	zmqBind     bool

	format    string
	outDir    string
	name      string
	table     string
	batchSize int
	pgDSN     string

	storage string
	prefix  string

	report      string
	showVersion bool
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.catalog, "catalog", "", "Column catalog: tauid, decaymode")
	flag.BoolVar(&f.truth, "truth", false, "Include simulation truth columns")
	flag.BoolVar(&f.rnnScore, "rnn-score", false, "Include the RNN jet score column")
	flag.StringVar(&f.defaults, "default-on-missing", "", "Comma-separated columns written as default when absent")
	flag.StringVar(&f.onError, "on-error", "", "Record error policy: abort, skip")
	flag.IntVar(&f.concurrency, "concurrency", 0, "Shards converted in parallel")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for outputs and the manifest")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	flag.StringVar(&f.inputType, "input-type", "", "Input type: jsonl, zmq")
	flag.StringVar(&f.inputs, "input", "", "Comma-separated JSONL files (.sz for snappy, - for stdin)")
	flag.BoolVar(&f.shardByFile, "shard-by-file", false, "Write one output per input file")
	flag.StringVar(&f.zmqEndpoint, "zmq", "", "ZeroMQ endpoint to pull records from")
	flag.BoolVar(&f.zmqBind, "zmq-bind", false, "Bind the ZeroMQ endpoint instead of connecting")

	flag.StringVar(&f.format, "format", "", "Output format: sqlite, arrow, postgres, memory, discard")
	flag.StringVar(&f.outDir, "out-dir", "", "Directory for file outputs")
	flag.StringVar(&f.name, "name", "", "Output file stem")
	flag.StringVar(&f.table, "table", "", "SQLite or Postgres table name")
	flag.IntVar(&f.batchSize, "batch-size", 0, "Rows per transaction or record batch")
	flag.StringVar(&f.pgDSN, "postgres-dsn", "", "Postgres connection string")

	flag.StringVar(&f.storage, "publish", "", "Publish outputs to storage: none, local, s3")
	flag.StringVar(&f.prefix, "publish-prefix", "", "Object path prefix for published outputs")

	flag.StringVar(&f.report, "report", "", "Write the JSON run report to this file (- for stdout)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ntupler - flatten reconstructed records into ntuples\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ntupler [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ntupler -catalog tauid -input events.jsonl.sz\n")
		fmt.Fprintf(os.Stderr, "  ntupler -catalog decaymode -truth -input a.jsonl,b.jsonl -shard-by-file -format arrow\n")
		fmt.Fprintf(os.Stderr, "  ntupler -input-type zmq -zmq tcp://*:5557 -zmq-bind -publish s3\n")
		fmt.Fprintf(os.Stderr, "  ntupler -config /etc/ntupler/ntupler.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment variables NTUPLER_* mirror the configuration keys,\n")
		fmt.Fprintf(os.Stderr, "e.g. NTUPLER_CATALOG, NTUPLER_INPUT_PATHS, NTUPLER_S3_BUCKET.\n")
	}
	flag.Parse()

	if f.showVersion {
		fmt.Printf("ntupler version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(&f)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Printf("Metrics server failed: %v", err)
			}
		}()
	}

	p, err := pipeline.New(ctx, cfg, pipeline.WithMetrics(metrics))
	if err != nil {
		if errors.Is(err, ntErrors.ErrInvalidConfig) {
			fmt.Fprintf(os.Stderr, "ntupler: %v\n", err)
			os.Exit(2)
		}
		log.Fatalf("Failed to create pipeline: %v", err)
	}
	defer p.Close()

	log.Printf("Converting %s input with catalog %s (%d columns) into %s",
		cfg.Input.Type, cfg.Catalog, p.Schema().Len(), cfg.Output.Format)

	report, runErr := p.Run(ctx)
	if report != nil {
		if err := writeReport(f.report, report); err != nil {
			log.Printf("Failed to write report: %v", err)
		}
		fmt.Fprintln(os.Stderr, report.Summary())
	}
	if runErr != nil {
		p.Close()
		log.Fatalf("Conversion failed: %v", runErr)
	}
}

// loadConfig layers the config file, NTUPLER_* variables and explicitly set
// flags, in increasing priority.
func loadConfig(f *flags) (*config.Config, error) {
	var cfg *config.Config
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	set := make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	str := func(name, v string, dst *string) {
		if set[name] {
			*dst = v
		}
	}
	str("catalog", f.catalog, &cfg.Catalog)
	str("on-error", f.onError, &cfg.OnRecordError)
	str("data-dir", f.dataDir, &cfg.DataDir)
	str("metrics-addr", f.metricsAddr, &cfg.MetricsAddr)
	str("input-type", f.inputType, &cfg.Input.Type)
	str("zmq", f.zmqEndpoint, &cfg.Input.ZMQEndpoint)
	str("format", f.format, &cfg.Output.Format)
	str("out-dir", f.outDir, &cfg.Output.Dir)
	str("name", f.name, &cfg.Output.Name)
	str("table", f.table, &cfg.Output.Table)
	str("postgres-dsn", f.pgDSN, &cfg.Output.PostgresDSN)
	str("publish", f.storage, &cfg.Storage.Type)
	str("publish-prefix", f.prefix, &cfg.Storage.Prefix)

	if set["truth"] {
		cfg.IncludeTruth = f.truth
	}
	if set["rnn-score"] {
		cfg.IncludeRNNScore = f.rnnScore
	}
	if set["shard-by-file"] {
		cfg.Input.ShardByFile = f.shardByFile
	}
	if set["zmq-bind"] {
		cfg.Input.ZMQBind = f.zmqBind
	}
	if set["concurrency"] {
		cfg.Concurrency = f.concurrency
	}
	if set["batch-size"] {
		cfg.Output.BatchSize = f.batchSize
	}
	if set["default-on-missing"] {
		cfg.DefaultOnMissing = splitList(f.defaults)
	}
	if set["input"] {
		cfg.Input.Paths = splitList(f.inputs)
	}
	if set["zmq"] && !set["input-type"] {
		cfg.Input.Type = "zmq"
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeReport(path string, r *pipeline.Report) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
