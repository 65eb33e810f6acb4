// Package emit flattens records into rows according to a schema and streams
// them into a sink.
package emit

import (
	"context"
	"log"

	"github.com/google/uuid"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/internal/schema"
	"github.com/ntupler/ntupler/internal/sink"
	"github.com/ntupler/ntupler/pkg/types"
)

type state int

const (
	stateCreated state = iota
	stateOpen
	stateClosed
)

// Session owns one sink for its whole lifetime and writes one row per object
// of every emitted record. A Session is not safe for concurrent use; run one
// session per goroutine.
type Session struct {
	id     string
	schema *schema.Schema
	sink   sink.Sink
	state  state

	// failed holds the sink error that ended the session
	failed error

	records int
	rows    int64
}

// NewSession creates a session in the Created state.
func NewSession(s *schema.Schema, out sink.Sink) *Session {
	return &Session{
		id:     uuid.NewString(),
		schema: s,
		sink:   out,
	}
}

// Open is the one-call form of NewSession followed by Session.Open.
func Open(ctx context.Context, s *schema.Schema, out sink.Sink) (*Session, error) {
	sess := NewSession(s, out)
	if err := sess.Open(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// ID returns the session id, a random UUID.
func (s *Session) ID() string { return s.id }

// Schema returns the schema the session emits.
func (s *Session) Schema() *schema.Schema { return s.schema }

// Records returns the number of records passed to EmitRecord while open.
func (s *Session) Records() int { return s.records }

// Rows returns the number of rows appended to the sink.
func (s *Session) Rows() int64 { return s.rows }

// Open opens the sink and declares every schema column in order. A failed
// Open leaves the session closed.
func (s *Session) Open(ctx context.Context) error {
	switch s.state {
	case stateOpen:
		return ntErrors.NewEmitError(ntErrors.CodeSinkUnavailable, "session already open", nil)
	case stateClosed:
		return ntErrors.ErrSessionClosed
	}

	if err := s.sink.Open(ctx); err != nil {
		s.state = stateClosed
		return ntErrors.NewEmitError(ntErrors.CodeSinkUnavailable, "failed to open sink", err)
	}
	for _, col := range s.schema.Columns() {
		if err := s.sink.DeclareColumn(col.Name, col.Kind, col.Elem); err != nil {
			s.state = stateClosed
			s.abort()
			return ntErrors.NewEmitError(ntErrors.CodeSinkUnavailable, "sink refused column", err).
				At(col.Name, ntErrors.NoIndex, ntErrors.NoIndex)
		}
	}

	s.state = stateOpen
	return nil
}

// EmitRecord appends one row per object of rec and returns the number of
// rows appended. Every row is built and checked before the first append, so
// a record that fails extraction writes nothing. A record without objects
// appends nothing and is not an error.
//
// ctx is checked once, before the record is touched.
func (s *Session) EmitRecord(ctx context.Context, rec *types.Record) (int, error) {
	switch s.state {
	case stateCreated:
		return 0, ntErrors.ErrSessionNotOpen
	case stateClosed:
		return 0, ntErrors.ErrSessionClosed
	}
	if s.failed != nil {
		return 0, s.failed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	index := s.records
	s.records++

	if rec == nil || len(rec.Objects) == 0 {
		return 0, nil
	}

	rows, err := s.buildRows(rec, index)
	if err != nil {
		return 0, err
	}

	for j, row := range rows {
		if err := s.sink.AppendRow(ctx, row); err != nil {
			s.failed = ntErrors.NewEmitError(ntErrors.CodeSinkFailed, "failed to append row", err).
				At("", index, j)
			s.rows += int64(j)
			return j, s.failed
		}
	}
	s.rows += int64(len(rows))
	return len(rows), nil
}

func (s *Session) buildRows(rec *types.Record, index int) ([]types.Row, error) {
	cols := s.schema.Columns()

	event := make([]types.Value, len(cols))
	for i, col := range cols {
		if col.Level != types.LevelEvent {
			continue
		}
		v, err := extract(col, rec, index, ntErrors.NoIndex)
		if err != nil {
			return nil, err
		}
		event[i] = v
	}

	rows := make([]types.Row, len(rec.Objects))
	for j, obj := range rec.Objects {
		row := make(types.Row, len(cols))
		for i, col := range cols {
			if col.Level == types.LevelEvent {
				row[i] = event[i].Clone()
				continue
			}
			v, err := extract(col, obj, index, j)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		rows[j] = row
	}
	return rows, nil
}

// Close finalizes the sink. If the session failed, the sink is aborted
// instead and the original failure is returned. A sink that fails to
// finalize is aborted too.
func (s *Session) Close(ctx context.Context) error {
	switch s.state {
	case stateCreated:
		return ntErrors.ErrSessionNotOpen
	case stateClosed:
		return ntErrors.ErrSessionClosed
	}
	s.state = stateClosed

	if s.failed != nil {
		s.abort()
		log.Printf("emit: session %s aborted after %d records: %v", s.id, s.records, s.failed)
		return s.failed
	}

	if err := s.sink.Finalize(ctx); err != nil {
		s.failed = ntErrors.NewEmitError(ntErrors.CodeSinkFailed, "failed to finalize sink", err)
		s.abort()
		log.Printf("emit: session %s aborted, finalize failed: %v", s.id, err)
		return s.failed
	}
	log.Printf("emit: session %s closed: %d records, %d rows", s.id, s.records, s.rows)
	return nil
}

// Abort ends an open session without finalizing. The sink is aborted so no
// partial output is left behind. Abort on a session that is not open does
// nothing.
func (s *Session) Abort() {
	if s.state != stateOpen {
		return
	}
	s.state = stateClosed
	s.abort()
	log.Printf("emit: session %s aborted after %d records", s.id, s.records)
}

func (s *Session) abort() {
	a, ok := s.sink.(sink.Aborter)
	if !ok {
		return
	}
	if err := a.Abort(); err != nil {
		log.Printf("emit: session %s: abort failed: %v", s.id, err)
	}
}
