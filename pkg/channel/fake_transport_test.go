package channel

import (
	"errors"
	"sync"

	"github.com/go-orlink/orlink/pkg/cell"
)

var errWriteFailed = errors.New("fake transport: write failed")

// fakeTransport is a minimal Transport double used across this package's
// tests: it records every write and lets a test simulate a send failure.
type fakeTransport struct {
	mu          sync.Mutex
	closed      bool
	freed       bool
	writes      []*cell.Cell
	varWrites   []*cell.Cell
	failWrites  bool
	closeErr    error
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeErr
}

func (t *fakeTransport) WriteCell(c *cell.Cell) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errWriteFailed
	}
	t.writes = append(t.writes, c)
	return nil
}

func (t *fakeTransport) WriteVarCell(c *cell.Cell) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errWriteFailed
	}
	t.varWrites = append(t.varWrites, c)
	return nil
}

func (t *fakeTransport) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freed = true
}

func (t *fakeTransport) snapshot() (writes, varWrites []*cell.Cell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*cell.Cell(nil), t.writes...), append([]*cell.Cell(nil), t.varWrites...)
}
