package channel

import (
	"fmt"

	"github.com/go-orlink/orlink/pkg/cell"
)

// QueueCell is `queue_cell` (§4.3): deliver an inbound fixed-length cell,
// either synchronously (handler set, queue empty) or via the FIFO queue.
func (ch *Channel) QueueCell(c *cell.Cell) {
	ch.queueEntry(queueEntry{tag: tagFixed, cell: c})
}

// QueueVarCell is `queue_var_cell` (§4.3).
func (ch *Channel) QueueVarCell(c *cell.Cell) {
	ch.queueEntry(queueEntry{tag: tagVar, cell: c})
}

func (ch *Channel) queueEntry(e queueEntry) {
	ch.mu.Lock()
	handlerSet := ch.handlerSetForTagLocked(e.tag)
	empty := len(ch.cellQueue) == 0
	if handlerSet && empty {
		ch.mu.Unlock()
		ch.dispatch(e)
		return
	}
	ch.cellQueue = append(ch.cellQueue, e)
	ch.mu.Unlock()
	if handlerSet {
		ch.drainCellQueue()
	}
}

func (ch *Channel) handlerSetForTagLocked(tag entryTag) bool {
	switch tag {
	case tagFixed:
		return ch.cellHandler != nil
	case tagVar:
		return ch.varCellHandler != nil
	default:
		return false
	}
}

func (ch *Channel) dispatch(e queueEntry) {
	ch.Ref()
	defer ch.Unref()
	ch.mu.Lock()
	fh, vh := ch.cellHandler, ch.varCellHandler
	ch.mu.Unlock()
	switch e.tag {
	case tagFixed:
		if fh != nil {
			fh(ch, e.cell)
		}
	case tagVar:
		if vh != nil {
			vh(ch, e.cell)
		}
	}
}

// drainCellQueue is `process_cells` (§4.3). It repeatedly finds the
// earliest-enqueued entry whose tag currently has a handler installed,
// removes it, and dispatches it — so cells of a tag with no handler are
// skipped in place rather than blocking cells of the other tag behind them.
// This is what gives the "late-bound handler" scenario of §8 its expected
// behavior: installing the variable handler alone drains the one queued
// variable cell while the still-unhandled fixed cells stay queued in order.
func (ch *Channel) drainCellQueue() {
	for {
		ch.mu.Lock()
		idx, entry, ok := ch.nextDispatchableLocked()
		if !ok {
			ch.mu.Unlock()
			return
		}
		ch.cellQueue = append(ch.cellQueue[:idx], ch.cellQueue[idx+1:]...)
		if len(ch.cellQueue) == 0 {
			ch.cellQueue = nil
		}
		ch.mu.Unlock()
		ch.dispatch(entry)
	}
}

func (ch *Channel) nextDispatchableLocked() (int, queueEntry, bool) {
	for i, e := range ch.cellQueue {
		if ch.handlerSetForTagLocked(e.tag) {
			return i, e, true
		}
	}
	return 0, queueEntry{}, false
}

// SetCellHandler installs (or clears) the fixed-cell handler. Installing a
// non-nil handler immediately drains any queued fixed cells, in enqueue
// order, before returning (§8 invariant 5).
func (ch *Channel) SetCellHandler(h CellHandler) {
	ch.mu.Lock()
	ch.cellHandler = h
	ch.mu.Unlock()
	if h != nil {
		ch.drainCellQueue()
	}
}

// SetVarCellHandler installs (or clears) the variable-cell handler.
func (ch *Channel) SetVarCellHandler(h VarCellHandler) {
	ch.mu.Lock()
	ch.varCellHandler = h
	ch.mu.Unlock()
	if h != nil {
		ch.drainCellQueue()
	}
}

// WriteCell is `write_cell` (§4.4): deliver an outbound fixed-length cell.
func (ch *Channel) WriteCell(c *cell.Cell) error {
	return ch.writeCell(c, false)
}

// WriteVarCell is `write_var_cell` (§4.4).
func (ch *Channel) WriteVarCell(c *cell.Cell) error {
	return ch.writeCell(c, true)
}

func (ch *Channel) writeCell(c *cell.Cell, isVar bool) error {
	ch.mu.Lock()
	if ch.state != StateOpening && ch.state != StateOpen && ch.state != StateMaint {
		st := ch.state
		ch.mu.Unlock()
		return fmt.Errorf("channel: write_cell invalid in state %s", st)
	}
	if c.Command != cell.CmdPadding && c.Command != cell.CmdVPadding {
		ch.timestampLastAddedNonpadding = ch.deps.Clock.Now()
	}
	fastPath := ch.state == StateOpen && len(ch.outgoingQueue) == 0
	if fastPath {
		ch.mu.Unlock()
		return ch.deliverToTransport(c, isVar)
	}
	ch.outgoingQueue = append(ch.outgoingQueue, queueEntry{tag: tagOf(isVar), cell: c})
	shouldFlush := ch.state == StateOpen
	ch.mu.Unlock()
	if shouldFlush {
		ch.flushOutgoing()
	}
	return nil
}

func tagOf(isVar bool) entryTag {
	if isVar {
		return tagVar
	}
	return tagFixed
}

func (ch *Channel) deliverToTransport(c *cell.Cell, isVar bool) error {
	ch.Ref()
	defer ch.Unref()
	ch.mu.Lock()
	t := ch.transport
	ch.mu.Unlock()
	if t == nil {
		return fmt.Errorf("channel: no transport bound")
	}
	if isVar {
		return t.WriteVarCell(c)
	}
	return t.WriteCell(c)
}

// flushOutgoing drains the outgoing queue while the channel remains OPEN. A
// transport write failure is a local send failure (§7): it logs, closes the
// channel for error, and stops draining.
func (ch *Channel) flushOutgoing() {
	for {
		ch.mu.Lock()
		if len(ch.outgoingQueue) == 0 || ch.state != StateOpen {
			ch.mu.Unlock()
			return
		}
		entry := ch.outgoingQueue[0]
		ch.outgoingQueue = ch.outgoingQueue[1:]
		ch.mu.Unlock()

		if err := ch.deliverToTransport(entry.cell, entry.tag == tagVar); err != nil {
			ch.deps.Log.Warn("transport write failed, closing channel", "error", err)
			_ = ch.CloseForError()
			return
		}
	}
}

// SendDestroy constructs a zeroed fixed DESTROY cell and submits it via
// WriteCell (§4.4). `reason` is propagated verbatim, unchecked.
func (ch *Channel) SendDestroy(circID uint32, reason byte) error {
	width := ch.CircIDWidth()
	payload := make([]byte, cell.PayloadSize(width))
	payload[0] = reason
	c := &cell.Cell{CircID: circID, Command: cell.CmdDestroy, Payload: payload}
	return ch.WriteCell(c)
}

// SetListenerHandler installs (or clears) the listener-accept handler on a
// LISTENING channel. Installing a non-nil handler immediately drains any
// backlog (§4.5).
func (ch *Channel) SetListenerHandler(h ListenerHandler) {
	ch.mu.Lock()
	ch.listenerHandler = h
	ch.mu.Unlock()
	if h != nil {
		ch.ProcessIncoming()
	}
}

// QueueIncoming is `queue_incoming` (§4.5): the transport hands a freshly
// accepted child channel to its listener.
func (ch *Channel) QueueIncoming(child *Channel) error {
	ch.mu.Lock()
	if ch.state != StateListening {
		st := ch.state
		ch.mu.Unlock()
		return fmt.Errorf("channel: queue_incoming on non-listening channel (state %s)", st)
	}

	child.mu.Lock()
	childListening := child.state == StateListening
	child.mu.Unlock()
	if childListening {
		ch.mu.Unlock()
		return fmt.Errorf("channel: incoming child must not itself be LISTENING")
	}
	child.mu.Lock()
	child.initiatedRemotely = true
	child.mu.Unlock()

	handler := ch.listenerHandler
	empty := len(ch.incomingList) == 0
	if handler != nil && empty {
		ch.mu.Unlock()
		ch.dispatchIncoming(handler, child)
		return nil
	}
	ch.incomingList = append(ch.incomingList, child)
	ch.mu.Unlock()
	if handler != nil {
		ch.ProcessIncoming()
	}
	return nil
}

func (ch *Channel) dispatchIncoming(h ListenerHandler, child *Channel) {
	ch.Ref()
	child.Ref()
	defer ch.Unref()
	defer child.Unref()
	h(ch, child)
}

// ProcessIncoming is `process_incoming` (§4.5). It is permitted in both
// LISTENING and CLOSING (to drain a backlog while shutting down).
func (ch *Channel) ProcessIncoming() {
	for {
		ch.mu.Lock()
		if ch.state != StateListening && ch.state != StateClosing {
			ch.mu.Unlock()
			return
		}
		if len(ch.incomingList) == 0 || ch.listenerHandler == nil {
			ch.mu.Unlock()
			return
		}
		child := ch.incomingList[0]
		ch.incomingList = ch.incomingList[1:]
		h := ch.listenerHandler
		ch.mu.Unlock()
		ch.dispatchIncoming(h, child)
	}
}
