package sink

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Output formats accepted by New.
const (
	FormatSQLite   = "sqlite"
	FormatArrow    = "arrow"
	FormatPostgres = "postgres"
	FormatMemory   = "memory"
	FormatDiscard  = "discard"
)

// Options configures a sink created by New.
type Options struct {
	Format    string
	Path      string // file formats only
	Table     string // sqlite and postgres
	BatchSize int

	PostgresDSN string
	OutputID    string
}

// New creates an unopened sink for opts.
func New(opts Options) (Sink, error) {
	switch strings.ToLower(opts.Format) {
	case FormatSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("sink: sqlite output requires a path")
		}
		return NewSQLite(opts.Path, opts.Table, opts.BatchSize), nil
	case FormatArrow:
		if opts.Path == "" {
			return nil, fmt.Errorf("sink: arrow output requires a path")
		}
		return NewArrow(opts.Path, opts.BatchSize), nil
	case FormatPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("sink: postgres output requires a dsn")
		}
		return NewPostgres(opts.PostgresDSN, opts.Table, opts.OutputID, opts.BatchSize), nil
	case FormatMemory:
		return NewMemory(), nil
	case FormatDiscard:
		return NewDiscard(), nil
	default:
		return nil, fmt.Errorf("sink: unknown output format %q", opts.Format)
	}
}

// Extension returns the file extension written by a file format, or "".
func Extension(format string) string {
	switch strings.ToLower(format) {
	case FormatSQLite, "":
		return ".sqlite"
	case FormatArrow:
		return ".arrow"
	default:
		return ""
	}
}

// IsFileFormat reports whether format writes a local file.
func IsFileFormat(format string) bool {
	return Extension(format) != ""
}

// FormatOf infers the file format from a path's extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".db", ".sqlite3":
		return FormatSQLite, nil
	case ".arrow", ".ipc", ".feather":
		return FormatArrow, nil
	default:
		return "", fmt.Errorf("sink: cannot infer format of %s", path)
	}
}
