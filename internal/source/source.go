// Package source provides the upstream record sources feeding a session:
// newline-delimited JSON files and ZeroMQ PULL sockets.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// Source yields records in upstream order. Next returns io.EOF once the
// source is exhausted. A Source is used by one goroutine at a time.
type Source interface {
	Next(ctx context.Context) (*types.Record, error)
	Close() error
}

// Source types accepted by Open.
const (
	TypeJSONL = "jsonl"
	TypeZMQ   = "zmq"
)

// Options configures a source created by Open.
type Options struct {
	Type string

	// Paths are read in order by a jsonl source.
	Paths []string

	// ZMQEndpoint is the PULL socket endpoint, e.g. "tcp://*:5557".
	ZMQEndpoint string
	// ZMQBind binds the endpoint instead of connecting to it.
	ZMQBind bool
}

// Open creates a source for opts.
func Open(ctx context.Context, opts Options) (Source, error) {
	switch strings.ToLower(opts.Type) {
	case TypeJSONL, "":
		if len(opts.Paths) == 0 {
			return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable, "jsonl source has no input paths", nil)
		}
		return NewJSONLFiles(opts.Paths), nil
	case TypeZMQ:
		return NewZMQ(ctx, opts.ZMQEndpoint, opts.ZMQBind)
	default:
		return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable,
			fmt.Sprintf("unknown source type %q", opts.Type), nil)
	}
}

// Slice serves records from memory.
type Slice struct {
	records []*types.Record
	next    int
	closed  bool
}

// NewSlice creates a source over records.
func NewSlice(records ...*types.Record) *Slice {
	return &Slice{records: records}
}

func (s *Slice) Next(ctx context.Context) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || s.next >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.next]
	s.next++
	return r, nil
}

func (s *Slice) Close() error {
	s.closed = true
	return nil
}

// Concat reads each source to exhaustion in turn, closing it before moving
// on to the next.
type Concat struct {
	sources []Source
	current int
}

// NewConcat chains sources.
func NewConcat(sources ...Source) *Concat {
	return &Concat{sources: sources}
}

func (c *Concat) Next(ctx context.Context) (*types.Record, error) {
	for c.current < len(c.sources) {
		rec, err := c.sources[c.current].Next(ctx)
		if err != io.EOF {
			return rec, err
		}
		if err := c.sources[c.current].Close(); err != nil {
			return nil, err
		}
		c.sources[c.current] = nil
		c.current++
	}
	return nil, io.EOF
}

func (c *Concat) Close() error {
	var first error
	for i := c.current; i < len(c.sources); i++ {
		if c.sources[i] == nil {
			continue
		}
		if err := c.sources[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	c.current = len(c.sources)
	return first
}
