// Package channel implements the OR link channel abstraction: the
// transport-independent state machine, ref-counted lifetime, and inbound/
// outbound cell queues that sit between a relay's TCP/TLS connections and
// its circuit multiplexer. Concrete transports (TLS, or a test double) bind
// to a Channel through the Transport interface; the link handshake engine
// in pkg/handshake intercepts cells before the circuit layer ever sees them.
package channel

import (
	"fmt"

	"github.com/go-orlink/orlink/pkg/cell"
)

// State is one of the seven channel lifecycle states.
type State int

const (
	StateClosed State = iota
	StateClosing
	StateError
	StateListening
	StateMaint
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	case StateListening:
		return "LISTENING"
	case StateMaint:
		return "MAINT"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is CLOSED or ERROR, the two states that put a
// registered channel in the registry's `finished` bucket and allow it to be
// freed. ERROR has no legal targets; CLOSED is also the state New allocates
// a channel in, from which it may still move to LISTENING or OPENING.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateError
}

// legalTransitions encodes the table in spec.md §4.2.
var legalTransitions = map[State]map[State]bool{
	StateClosed:    {StateListening: true, StateOpening: true},
	StateOpening:   {StateOpen: true, StateClosing: true, StateError: true},
	StateOpen:      {StateMaint: true, StateClosing: true, StateError: true},
	StateMaint:     {StateOpen: true, StateClosing: true, StateError: true},
	StateListening: {StateClosing: true, StateError: true},
	StateClosing:   {StateClosed: true, StateError: true},
	StateError:     {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	targets, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ReasonForClosing records why a channel entered CLOSING/CLOSED/ERROR (§3).
type ReasonForClosing int

const (
	ReasonNotClosing ReasonForClosing = iota
	ReasonRequested
	ReasonFromBelow
	ReasonForError
)

func (r ReasonForClosing) String() string {
	switch r {
	case ReasonNotClosing:
		return "NOT_CLOSING"
	case ReasonRequested:
		return "REQUESTED"
	case ReasonFromBelow:
		return "FROM_BELOW"
	case ReasonForError:
		return "FOR_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Transport is the polymorphic hook set a concrete binding (TLS, or a test
// double) installs on a Channel — spec.md §9's "variant or trait" in place
// of a base-class/subclass split. A Channel aggregates exactly one Transport
// value for its lifetime.
type Transport interface {
	// Close asks the transport to begin tearing down; the transport is
	// responsible for eventually calling back into Channel.Closed to complete
	// CLOSING -> {CLOSED, ERROR}.
	Close() error
	// WriteCell hands a fixed-length cell to the transport for framing onto
	// the wire.
	WriteCell(c *cell.Cell) error
	// WriteVarCell hands a variable-length cell to the transport.
	WriteVarCell(c *cell.Cell) error
	// Free releases any transport-owned resources. Called at most once, only
	// from Channel.doFree.
	Free()
}

// CellHandler processes one fixed-length inbound cell. Owned by the circuit
// layer; installed via Channel.SetCellHandler.
type CellHandler func(ch *Channel, c *cell.Cell)

// VarCellHandler processes one variable-length inbound cell.
type VarCellHandler func(ch *Channel, c *cell.Cell)

// ListenerHandler accepts one incoming child channel on a LISTENING channel.
type ListenerHandler func(listener, child *Channel)

// entryTag distinguishes the two queue-entry variants (spec.md §3 "tagged
// union of (owned fixed cell) or (owned variable cell)").
type entryTag int

const (
	tagFixed entryTag = iota
	tagVar
)

// queueEntry is one queued cell: inbound awaiting dispatch, or outbound
// awaiting flush.
type queueEntry struct {
	tag  entryTag
	cell *cell.Cell
}

// ErrInvalidTransition is returned (wrapped, with the offending from/to
// states) when a caller of setStateLocked would otherwise violate the §4.2
// transition table. The state is left unchanged and the exported methods
// return the error to their caller; nothing in this package panics on it. It
// is exported as a sentinel so callers can detect misuse with errors.Is.
var ErrInvalidTransition = fmt.Errorf("channel: invalid state transition")
