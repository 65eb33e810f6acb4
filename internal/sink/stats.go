package sink

import (
	"context"
	"math"

	"github.com/ntupler/ntupler/pkg/types"
)

// ColumnStats holds min/max statistics for one column. Sequence columns
// aggregate over all their elements. Non-finite floats are counted but do
// not move min/max.
type ColumnStats struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Elements  int64    `json:"elements"`
	NonFinite int64    `json:"non_finite,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

func (c *ColumnStats) observe(x float64) {
	c.Elements++
	if math.IsNaN(x) || math.IsInf(x, 0) {
		c.NonFinite++
		return
	}
	if c.Min == nil || x < *c.Min {
		v := x
		c.Min = &v
	}
	if c.Max == nil || x > *c.Max {
		v := x
		c.Max = &v
	}
}

// StatsTracker tracks per-column statistics while rows are written.
type StatsTracker struct {
	rowCount int64
	columns  []ColumnStats
	index    map[string]int
}

// NewStatsTracker creates a tracker for the given columns.
func NewStatsTracker(cols []ColumnDecl) *StatsTracker {
	s := &StatsTracker{
		columns: make([]ColumnStats, len(cols)),
		index:   make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		s.columns[i] = ColumnStats{Name: c.Name, Type: c.TypeName()}
		s.index[c.Name] = i
	}
	return s
}

// Update updates statistics with a new row.
func (s *StatsTracker) Update(row types.Row) {
	s.rowCount++
	for i, v := range row {
		if i >= len(s.columns) {
			break
		}
		c := &s.columns[i]
		if f, ok := v.Float(); ok {
			c.observe(f)
			continue
		}
		eachFloat(v, c.observe)
	}
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}

// Columns returns the statistics of every column, in declaration order.
func (s *StatsTracker) Columns() []ColumnStats {
	out := make([]ColumnStats, len(s.columns))
	copy(out, s.columns)
	return out
}

// Get returns the statistics of one column.
func (s *StatsTracker) Get(name string) (ColumnStats, bool) {
	i, ok := s.index[name]
	if !ok {
		return ColumnStats{}, false
	}
	return s.columns[i], true
}

func eachFloat(v types.Value, fn func(float64)) {
	switch d := v.Interface().(type) {
	case []int32:
		for _, x := range d {
			fn(float64(x))
		}
	case []uint8:
		for _, x := range d {
			fn(float64(x))
		}
	case []uint32:
		for _, x := range d {
			fn(float64(x))
		}
	case []uint64:
		for _, x := range d {
			fn(float64(x))
		}
	case []float32:
		for _, x := range d {
			fn(float64(x))
		}
	case []float64:
		for _, x := range d {
			fn(x)
		}
	}
}

// StatsSource is implemented by sinks that track their own row statistics.
type StatsSource interface {
	Stats() *StatsTracker
}

// Stats wraps a sink and tracks statistics of every row the inner sink
// accepted. If the inner sink is a StatsSource its tracker is used instead,
// so the statistics stored in the output and reported by Tracker agree.
type Stats struct {
	Sink

	decls   declarations
	tracker *StatsTracker

	// OnRow, if set, is called with each accepted row
	OnRow func(types.Row)
}

// WithStats wraps s.
func WithStats(s Sink) *Stats {
	return &Stats{Sink: s}
}

func (s *Stats) DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error {
	if err := s.Sink.DeclareColumn(name, kind, elem); err != nil {
		return err
	}
	return s.decls.declare(name, kind, elem)
}

func (s *Stats) AppendRow(ctx context.Context, row types.Row) error {
	if err := s.Sink.AppendRow(ctx, row); err != nil {
		return err
	}
	if _, ok := s.Sink.(StatsSource); !ok {
		if s.tracker == nil {
			s.tracker = NewStatsTracker(s.decls.Columns())
		}
		s.tracker.Update(row)
	}
	if s.OnRow != nil {
		s.OnRow(row)
	}
	return nil
}

// Abort aborts the inner sink if it supports aborting.
func (s *Stats) Abort() error {
	if a, ok := s.Sink.(Aborter); ok {
		return a.Abort()
	}
	return nil
}

// Unwrap returns the inner sink.
func (s *Stats) Unwrap() Sink {
	return s.Sink
}

// Tracker returns the statistics gathered so far.
func (s *Stats) Tracker() *StatsTracker {
	if src, ok := s.Sink.(StatsSource); ok {
		return src.Stats()
	}
	if s.tracker == nil {
		return NewStatsTracker(s.decls.Columns())
	}
	return s.tracker
}

// PathOf returns the output file of s, looking through wrappers, or "" if
// the sink does not write a single local file.
func PathOf(s Sink) string {
	for s != nil {
		if f, ok := s.(FileSink); ok {
			return f.Path()
		}
		u, ok := s.(interface{ Unwrap() Sink })
		if !ok {
			break
		}
		s = u.Unwrap()
	}
	return ""
}
