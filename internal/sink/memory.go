package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/ntupler/ntupler/pkg/types"
)

// Memory keeps every row in memory. It backs tests and the discard output
// format, and can inject failures.
type Memory struct {
	declarations

	// Discard drops rows after validation and only counts them
	Discard bool

	// FailOpen, if set, is returned by Open
	FailOpen error

	// FailAfter makes AppendRow fail once this many rows are stored
	// (0 disables)
	FailAfter int

	// FailFinalize, if set, is returned by Finalize
	FailFinalize error

	mu        sync.Mutex
	opened    bool
	finalized bool
	aborted   bool
	count     int
	rows      []types.Row
}

// NewMemory creates an in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// NewDiscard creates a sink that validates and counts rows without keeping
// them.
func NewDiscard() *Memory {
	return &Memory{Discard: true}
}

func (m *Memory) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOpen != nil {
		return m.FailOpen
	}
	if m.opened {
		return fmt.Errorf("sink: memory sink already opened")
	}
	m.opened = true
	return nil
}

func (m *Memory) DeclareColumn(name string, kind types.ValueKind, elem types.ElementType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("sink: declare on unopened memory sink")
	}
	return m.declare(name, kind, elem)
}

func (m *Memory) AppendRow(ctx context.Context, row types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened || m.finalized || m.aborted {
		return fmt.Errorf("sink: append on closed memory sink")
	}
	if m.FailAfter > 0 && m.count >= m.FailAfter {
		return fmt.Errorf("sink: injected failure after %d rows", m.FailAfter)
	}
	if err := m.check(row); err != nil {
		return err
	}
	m.count++
	if !m.Discard {
		m.rows = append(m.rows, row)
	}
	return nil
}

func (m *Memory) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return fmt.Errorf("sink: memory sink already finalized")
	}
	if m.FailFinalize != nil {
		return m.FailFinalize
	}
	m.finalized = true
	return nil
}

// Abort marks the sink as aborted and drops its rows.
func (m *Memory) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	m.rows = nil
	return nil
}

// Rows returns the stored rows.
func (m *Memory) Rows() []types.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Count returns the number of rows appended.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Finalized reports whether Finalize was called.
func (m *Memory) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// Aborted reports whether Abort was called.
func (m *Memory) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}
