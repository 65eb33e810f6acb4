// Package config provides the run configuration for ntupler.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/internal/source"
	"github.com/ntupler/ntupler/internal/storage"
)

// Record error policies.
const (
	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// StorageNone disables publishing.
const StorageNone = "none"

// Config holds the configuration of one conversion run.
type Config struct {
	// Catalog names the column catalog: tauid or decaymode
	Catalog string `json:"catalog" yaml:"catalog"`

	// IncludeTruth enables simulation truth columns
	IncludeTruth bool `json:"include_truth" yaml:"include_truth"`

	// IncludeRNNScore enables the RNN jet score column
	IncludeRNNScore bool `json:"include_rnn_score" yaml:"include_rnn_score"`

	// DefaultOnMissing lists columns that fall back to their default value
	// when the attribute is absent
	DefaultOnMissing []string `json:"default_on_missing" yaml:"default_on_missing"`

	// OnRecordError is abort or skip
	OnRecordError string `json:"on_record_error" yaml:"on_record_error"`

	// Concurrency bounds the number of shards converted at once
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// DataDir is the base directory for outputs and the manifest database
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// MetricsAddr, if set, serves Prometheus metrics
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	Input   InputConfig   `json:"input" yaml:"input"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// InputConfig selects the record source.
type InputConfig struct {
	// Type is jsonl or zmq
	Type string `json:"type" yaml:"type"`

	// Paths lists JSONL files; "-" reads standard input
	Paths []string `json:"paths" yaml:"paths"`

	// ShardByFile converts each input file into its own output
	ShardByFile bool `json:"shard_by_file" yaml:"shard_by_file"`

	ZMQEndpoint string `json:"zmq_endpoint" yaml:"zmq_endpoint"`
	ZMQBind     bool   `json:"zmq_bind" yaml:"zmq_bind"`
}

// OutputConfig selects the sink.
type OutputConfig struct {
	// Format is sqlite, arrow, postgres, memory or discard
	Format string `json:"format" yaml:"format"`

	// Dir holds file outputs (default: <data_dir>/outputs)
	Dir string `json:"dir" yaml:"dir"`

	// Name is the output file stem; shards append their input's stem
	Name string `json:"name" yaml:"name"`

	// Table is the SQLite or Postgres table name
	Table string `json:"table" yaml:"table"`

	// BatchSize is the number of rows per transaction or record batch
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// StorageConfig holds publish storage configuration.
type StorageConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every published object path
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local runs.
func DefaultConfig() *Config {
	return &Config{
		Catalog:       "tauid",
		OnRecordError: OnErrorAbort,
		Concurrency:   1,
		DataDir:       "./data/ntupler",
		Input: InputConfig{
			Type: source.TypeJSONL,
		},
		Output: OutputConfig{
			Format:    sink.FormatSQLite,
			Name:      "ntuple",
			Table:     sink.DefaultTable,
			BatchSize: sink.DefaultBatchSize,
		},
		Storage: StorageConfig{
			Type:   StorageNone,
			Prefix: "ntuples",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/ntupler"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = filepath.Join(c.DataDir, "outputs")
	}
	if c.Storage.Type == storage.TypeLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Output.Table == "" {
		c.Output.Table = sink.DefaultTable
	}
	if c.Output.BatchSize <= 0 {
		c.Output.BatchSize = sink.DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// ManifestPath returns the path to the manifest database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Publishing reports whether finalized outputs are published.
func (c *Config) Publishing() bool {
	return c.Storage.Type != "" && c.Storage.Type != StorageNone
}

// SchemaOptions returns the schema build options selected by the config.
func (c *Config) SchemaOptions() schema.Options {
	var flags []schema.Flag
	if c.IncludeTruth {
		flags = append(flags, schema.FlagTruth)
	}
	if c.IncludeRNNScore {
		flags = append(flags, schema.FlagRNNScore)
	}
	opts := schema.NewOptions(flags...)
	opts.DefaultOnMissing = append([]string(nil), c.DefaultOnMissing...)
	return opts
}

// SourceOptions returns the options for opening the configured source.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Type:        c.Input.Type,
		Paths:       c.Input.Paths,
		ZMQEndpoint: c.Input.ZMQEndpoint,
		ZMQBind:     c.Input.ZMQBind,
	}
}

// StorageOptions returns the options for opening publish storage.
func (c *Config) StorageOptions() storage.Options {
	s3cfg := storage.DefaultS3Config()
	if c.Storage.S3.Region != "" {
		s3cfg.Region = c.Storage.S3.Region
	}
	s3cfg.Endpoint = c.Storage.S3.Endpoint
	s3cfg.UsePathStyle = c.Storage.S3.UsePathStyle
	return storage.Options{
		Type:   c.Storage.Type,
		Path:   c.Storage.Path,
		Bucket: c.Storage.S3.Bucket,
		S3:     s3cfg,
	}
}

// Validate validates the configuration. Every failure is an INVALID_CONFIG
// error.
func (c *Config) Validate() error {
	if _, err := schema.Lookup(c.Catalog); err != nil {
		return invalid("unknown catalog %q (known: %s)", c.Catalog, strings.Join(schema.CatalogNames(), ", "))
	}

	switch c.OnRecordError {
	case OnErrorAbort, OnErrorSkip:
	default:
		return invalid("on_record_error must be abort or skip, got %q", c.OnRecordError)
	}

	if c.Concurrency < 1 {
		return invalid("concurrency must be at least 1, got %d", c.Concurrency)
	}

	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	switch c.Input.Type {
	case source.TypeJSONL:
		if len(c.Input.Paths) == 0 {
			return invalid("input.paths is required for jsonl input")
		}
	case source.TypeZMQ:
		if c.Input.ZMQEndpoint == "" {
			return invalid("input.zmq_endpoint is required for zmq input")
		}
		if c.Input.ShardByFile {
			return invalid("input.shard_by_file requires jsonl input")
		}
	default:
		return invalid("invalid input type: %s (must be jsonl or zmq)", c.Input.Type)
	}

	switch c.Output.Format {
	case sink.FormatSQLite, sink.FormatArrow, sink.FormatMemory, sink.FormatDiscard:
	case sink.FormatPostgres:
		if c.Output.PostgresDSN == "" {
			return invalid("output.postgres_dsn is required for postgres output")
		}
	default:
		return invalid("invalid output format: %s", c.Output.Format)
	}
	if c.Output.Name == "" || strings.ContainsAny(c.Output.Name, `/\`) {
		return invalid("output.name must be a plain file stem, got %q", c.Output.Name)
	}
	if c.Output.BatchSize < 1 {
		return invalid("output.batch_size must be positive, got %d", c.Output.BatchSize)
	}

	switch c.Storage.Type {
	case "", StorageNone:
	case storage.TypeLocal:
		if c.Storage.Path == "" {
			return invalid("storage.path is required when storage type is local")
		}
	case storage.TypeS3:
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket is required when storage type is s3")
		}
	default:
		return invalid("invalid storage type: %s (must be none, local or s3)", c.Storage.Type)
	}
	if c.Publishing() && !sink.IsFileFormat(c.Output.Format) {
		return invalid("publishing requires a file output format, got %s", c.Output.Format)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return ntErrors.NewConfigError(fmt.Sprintf(format, args...))
}

// LoadFromFile loads configuration from a YAML or JSON file on top of
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, ntErrors.Wrap(ntErrors.ErrCategoryConfig, ntErrors.CodeInvalidConfig, "failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, ntErrors.Wrap(ntErrors.ErrCategoryConfig, ntErrors.CodeInvalidConfig, "failed to parse JSON config", err)
		}
	default:
		return nil, invalid("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg from NTUPLER_* environment variables. List
// values are comma separated.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("NTUPLER_CATALOG", &cfg.Catalog)
	boolean("NTUPLER_INCLUDE_TRUTH", &cfg.IncludeTruth)
	boolean("NTUPLER_INCLUDE_RNN_SCORE", &cfg.IncludeRNNScore)
	list("NTUPLER_DEFAULT_ON_MISSING", &cfg.DefaultOnMissing)
	str("NTUPLER_ON_RECORD_ERROR", &cfg.OnRecordError)
	integer("NTUPLER_CONCURRENCY", &cfg.Concurrency)
	str("NTUPLER_DATA_DIR", &cfg.DataDir)
	str("NTUPLER_METRICS_ADDR", &cfg.MetricsAddr)

	// Input
	str("NTUPLER_INPUT_TYPE", &cfg.Input.Type)
	list("NTUPLER_INPUT_PATHS", &cfg.Input.Paths)
	boolean("NTUPLER_INPUT_SHARD_BY_FILE", &cfg.Input.ShardByFile)
	str("NTUPLER_INPUT_ZMQ_ENDPOINT", &cfg.Input.ZMQEndpoint)
	boolean("NTUPLER_INPUT_ZMQ_BIND", &cfg.Input.ZMQBind)

	// Output
	str("NTUPLER_OUTPUT_FORMAT", &cfg.Output.Format)
	str("NTUPLER_OUTPUT_DIR", &cfg.Output.Dir)
	str("NTUPLER_OUTPUT_NAME", &cfg.Output.Name)
	str("NTUPLER_OUTPUT_TABLE", &cfg.Output.Table)
	integer("NTUPLER_OUTPUT_BATCH_SIZE", &cfg.Output.BatchSize)
	str("NTUPLER_OUTPUT_POSTGRES_DSN", &cfg.Output.PostgresDSN)

	// Storage
	str("NTUPLER_STORAGE_TYPE", &cfg.Storage.Type)
	str("NTUPLER_STORAGE_PATH", &cfg.Storage.Path)
	str("NTUPLER_STORAGE_PREFIX", &cfg.Storage.Prefix)
	str("NTUPLER_S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("NTUPLER_S3_REGION", &cfg.Storage.S3.Region)
	str("NTUPLER_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	boolean("NTUPLER_S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
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

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if sink.IsFileFormat(c.Output.Format) {
		dirs = append(dirs, c.Output.Dir)
	}
	if c.Storage.Type == storage.TypeLocal {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
