package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// SnappySuffix marks snappy-framed JSONL files.
const SnappySuffix = ".sz"

// JSONL reads one JSON record per line. Blank lines are skipped. Files
// ending in SnappySuffix are read through the snappy framing format; the
// path "-" reads standard input.
type JSONL struct {
	path    string
	file    io.Closer
	reader  *bufio.Reader
	line    int
	records int
	done    bool
}

// NewJSONL creates a source for one file. The file is opened on the first
// call to Next.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// NewJSONLFiles reads paths in order as one source.
func NewJSONLFiles(paths []string) Source {
	if len(paths) == 1 {
		return NewJSONL(paths[0])
	}
	sources := make([]Source, len(paths))
	for i, p := range paths {
		sources[i] = NewJSONL(p)
	}
	return NewConcat(sources...)
}

// NewJSONLReader reads records from r. Closing the source does not close r.
func NewJSONLReader(name string, r io.Reader) *JSONL {
	return &JSONL{path: name, reader: bufio.NewReaderSize(r, 1<<20)}
}

// Path returns the file being read.
func (j *JSONL) Path() string { return j.path }

func (j *JSONL) open() error {
	var (
		f   io.ReadCloser
		err error
	)
	if j.path == "-" {
		f = io.NopCloser(os.Stdin)
	} else if f, err = os.Open(filepath.Clean(j.path)); err != nil {
		return ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable,
			fmt.Sprintf("cannot open %s", j.path), err)
	}
	j.file = f

	var r io.Reader = f
	if strings.HasSuffix(j.path, SnappySuffix) {
		r = snappy.NewReader(f)
	}
	j.reader = bufio.NewReaderSize(r, 1<<20)
	return nil
}

func (j *JSONL) Next(ctx context.Context) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.done {
		return nil, io.EOF
	}
	if j.reader == nil {
		if err := j.open(); err != nil {
			return nil, err
		}
	}

	for {
		line, err := j.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable,
				fmt.Sprintf("read %s", j.path), err)
		}
		if len(line) > 0 {
			j.line++
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec types.Record
			if derr := json.Unmarshal(line, &rec); derr != nil {
				return nil, ntErrors.NewSourceError(ntErrors.CodeDecodeFailed,
					fmt.Sprintf("%s:%d", j.path, j.line), derr).At("", j.records, ntErrors.NoIndex)
			}
			j.records++
			return &rec, nil
		}
		if err == io.EOF {
			j.done = true
			log.Printf("source: read %d records from %s", j.records, j.path)
			return nil, io.EOF
		}
	}
}

// Close closes the underlying file.
func (j *JSONL) Close() error {
	j.done = true
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// WriteJSONL writes records one per line. It is the inverse of the JSONL
// source and backs test fixtures and the inspect tool.
func WriteJSONL(w io.Writer, records ...*types.Record) error {
	enc := json.NewEncoder(w)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("source: failed to encode record %d: %w", i, err)
		}
	}
	return nil
}

// WriteJSONLFile writes records to path, snappy-framed if path ends in
// SnappySuffix.
func WriteJSONLFile(path string, records ...*types.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("source: failed to create %s: %w", path, err)
	}
	defer f.Close()

	if !strings.HasSuffix(path, SnappySuffix) {
		if err := WriteJSONL(f, records...); err != nil {
			return err
		}
		return f.Close()
	}

	sw := snappy.NewBufferedWriter(f)
	if err := WriteJSONL(sw, records...); err != nil {
		return err
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("source: failed to flush %s: %w", path, err)
	}
	return f.Close()
}
