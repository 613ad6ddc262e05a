package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/collab"
)

// Deps bundles the collaborators a Channel consults at open time and during
// the handshake (spec.md §6.7). Every field is optional; a nil field is
// replaced by a default implementation (crypto RNG, system clock, allow-all
// guard manager, no-op for the rest) so callers only need to supply the
// collaborators relevant to their deployment (e.g. a test double exercising
// only the state machine can leave all of them nil).
type Deps struct {
	Rng      collab.Rng
	Clock    collab.Clock
	Circuits collab.CircuitLayer
	Guards   collab.GuardManager
	Routers  collab.RouterDB
	GeoIP    collab.GeoIP
	Log      collab.Log
}

func (d Deps) withDefaults() Deps {
	if d.Rng == nil {
		d.Rng = collab.CryptoRng{}
	}
	if d.Clock == nil {
		d.Clock = collab.SystemClock{}
	}
	if d.Circuits == nil {
		d.Circuits = collab.NoopCircuitLayer{}
	}
	if d.Guards == nil {
		d.Guards = collab.AllowAllGuardManager{}
	}
	if d.Routers == nil {
		d.Routers = collab.EmptyRouterDB{}
	}
	if d.GeoIP == nil {
		d.GeoIP = collab.NoopGeoIP{}
	}
	if d.Log == nil {
		d.Log = collab.NoopLog{}
	}
	return d
}

// Channel is one logical OR-link: the transport-independent state machine,
// ref-counted lifetime, and inbound/outbound cell queues of spec.md §3.
type Channel struct {
	mu sync.Mutex

	id       uint64
	registry *Registry

	state             State
	refcount          int
	registered        bool
	freed             bool
	reasonForClosing  ReasonForClosing
	initiatedRemotely bool

	identityDigest [20]byte
	nickname       string
	canonical      bool

	timestampLastAddedNonpadding time.Time
	clientUsed                   time.Time

	nextCircID    uint16
	circIDHighBit bool
	circWidth     cell.CircIDWidth

	dirreqID string

	cellHandler     CellHandler
	varCellHandler  VarCellHandler
	listenerHandler ListenerHandler

	transport Transport

	outgoingQueue []queueEntry
	cellQueue     []queueEntry
	incomingList  []*Channel

	deps Deps
}

// New allocates a channel in state CLOSED, unregistered, with a single ref
// held by the caller (mirroring spec.md §4.7's "allocates the channel,
// initializes it (assigning id and next_circ_id)"). The caller is
// responsible for installing a Transport and calling Registry.Register.
func New(registry *Registry, deps Deps, initiatedRemotely bool) (*Channel, error) {
	deps = deps.withDefaults()
	seed, err := deps.Rng.Uint16n(1 << 15)
	if err != nil {
		return nil, fmt.Errorf("channel: generate next_circ_id seed: %w", err)
	}
	ch := &Channel{
		id:                registry.allocID(),
		registry:          registry,
		state:             StateClosed,
		refcount:          1,
		initiatedRemotely: initiatedRemotely,
		nextCircID:        seed,
		circWidth:         cell.CircIDNarrow,
		deps:              deps,
	}
	return ch, nil
}

// ID returns the channel's process-unique identifier.
func (ch *Channel) ID() uint64 { return ch.id }

// State returns the current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// ReasonForClosing returns the reason recorded on entry to CLOSING/CLOSED/ERROR.
func (ch *Channel) ReasonForClosing() ReasonForClosing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reasonForClosing
}

// Registered reports whether the channel is currently a registry member.
func (ch *Channel) Registered() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.registered
}

// InitiatedRemotely reports whether this channel originated from an incoming
// connection to a listener.
func (ch *Channel) InitiatedRemotely() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.initiatedRemotely
}

// IdentityDigest returns the remote peer's identity fingerprint.
func (ch *Channel) IdentityDigest() [20]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.identityDigest
}

// SetIdentityDigest records the remote peer's identity fingerprint, learned
// during the CERTS/AUTHENTICATE steps of the handshake.
func (ch *Channel) SetIdentityDigest(digest [20]byte) {
	ch.mu.Lock()
	ch.identityDigest = digest
	ch.mu.Unlock()
}

// Nickname returns the peer's human-readable name, if known.
func (ch *Channel) Nickname() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nickname
}

// SetNickname records the peer's human-readable name.
func (ch *Channel) SetNickname(name string) {
	ch.mu.Lock()
	ch.nickname = name
	ch.mu.Unlock()
}

// IsCanonical reports whether the peer has advertised an address we dialed,
// i.e. this link is the peer's canonical address (§4.8 NETINFO).
func (ch *Channel) IsCanonical() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.canonical
}

// SetCanonical records the NETINFO canonical-address determination.
func (ch *Channel) SetCanonical(v bool) {
	ch.mu.Lock()
	ch.canonical = v
	ch.mu.Unlock()
}

// LastAddedNonpadding returns the timestamp of the last non-padding cell
// written on this channel.
func (ch *Channel) LastAddedNonpadding() time.Time {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.timestampLastAddedNonpadding
}

// DirreqID returns the directory-request correlation key, empty if unused.
func (ch *Channel) DirreqID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.dirreqID
}

// GenerateDirreqID assigns a fresh correlation key for directory-request
// accounting (spec.md §3 `dirreq_id`), used by the directory-fetch component
// layered above the channel.
func (ch *Channel) GenerateDirreqID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.dirreqID = uuid.New().String()
	return ch.dirreqID
}

// CircIDWidth returns the currently negotiated circuit-ID width.
func (ch *Channel) CircIDWidth() cell.CircIDWidth {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.circWidth
}

// SetCircIDWidth is called by the handshake engine once link_proto is known
// (narrow for link_proto <= 3, wide for link_proto >= 4; §6.1).
func (ch *Channel) SetCircIDWidth(w cell.CircIDWidth) {
	ch.mu.Lock()
	ch.circWidth = w
	ch.mu.Unlock()
}

// SetCircIDParity fixes which half of the circuit-ID space this endpoint
// allocates from, as decided from the peer's identity key (§4.9).
func (ch *Channel) SetCircIDParity(highBit bool) {
	ch.mu.Lock()
	ch.circIDHighBit = highBit
	ch.mu.Unlock()
}

// AllocateCircID returns the next outgoing circuit ID, with parity applied,
// wrapping within the 15-bit seed space and never reallocating the reserved
// value 0 (§4.9).
func (ch *Channel) AllocateCircID() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextCircID & 0x7FFF
	if id == 0 {
		id = 1
	}
	ch.nextCircID = (id + 1) & 0x7FFF
	if ch.nextCircID == 0 {
		ch.nextCircID = 1
	}
	result := uint32(id)
	if ch.circIDHighBit {
		if ch.circWidth == cell.CircIDWide {
			result |= 1 << 31
		} else {
			result |= 1 << 15
		}
	}
	return result
}

// SetTransport installs the polymorphic transport hooks (spec.md §9). Must
// be called before the channel is registered.
func (ch *Channel) SetTransport(t Transport) {
	ch.mu.Lock()
	ch.transport = t
	ch.mu.Unlock()
}

// Ref increments the reentrancy/ownership ref count and returns ch, so it
// can be chained at a call site (`defer channel.New(...).Ref().Unref()`-style
// usage is uncommon, but the return value matches spec.md §4.1's `ref(ch)`
// signature).
func (ch *Channel) Ref() *Channel {
	ch.mu.Lock()
	ch.refcount++
	ch.mu.Unlock()
	return ch
}

// Unref decrements the ref count; if it reaches zero while the channel is
// unregistered and in a terminal state, the channel is freed (spec.md §4.1).
func (ch *Channel) Unref() {
	ch.mu.Lock()
	if ch.refcount <= 0 {
		ch.mu.Unlock()
		panic("channel: Unref of a channel with zero refcount")
	}
	ch.refcount--
	shouldFree := ch.maybeMarkFreedLocked()
	ch.mu.Unlock()
	if shouldFree {
		ch.doFree()
	}
}

// maybeMarkFreedLocked reports whether ch has just become eligible to free
// and, if so, claims the single doFree() call for the caller. Must be called
// with ch.mu held.
func (ch *Channel) maybeMarkFreedLocked() bool {
	if ch.freed {
		return false
	}
	if ch.refcount == 0 && !ch.registered && ch.state.IsTerminal() {
		ch.freed = true
		return true
	}
	return false
}

// unregister clears the registered bit and reports whether the channel
// became free-eligible as a result. Called only by Registry.Unregister.
func (ch *Channel) unregister() bool {
	ch.mu.Lock()
	ch.registered = false
	should := ch.maybeMarkFreedLocked()
	ch.mu.Unlock()
	return should
}

// doFree performs the actual teardown required by spec.md §4.1's `free`
// contract: invoke the transport's free hook, clear remote-end metadata,
// release the queues. Called at most once per channel (guarded by `freed`).
func (ch *Channel) doFree() {
	ch.mu.Lock()
	t := ch.transport
	ch.mu.Unlock()

	if t != nil {
		t.Free()
	}

	ch.mu.Lock()
	ch.identityDigest = [20]byte{}
	ch.nickname = ""
	ch.outgoingQueue = nil
	ch.cellQueue = nil
	ch.incomingList = nil
	ch.mu.Unlock()
}

// setStateLocked performs the pure state transition of spec.md §4.2: table
// validation, reason bookkeeping, the CLOSED-queues-empty precondition, and
// registry bucket resync. Must be called with ch.mu held. It does not run
// any of the side effects (flush/drain/open-time actions) — callers run
// those afterward, unlocked.
func (ch *Channel) setStateLocked(target State, reason ReasonForClosing) error {
	if !CanTransition(ch.state, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ch.state, target)
	}
	if target == StateClosing || target == StateClosed || target == StateError {
		if reason == ReasonNotClosing {
			return fmt.Errorf("channel: entering %s requires a reason_for_closing", target)
		}
		ch.reasonForClosing = reason
	}
	if target == StateClosed {
		if len(ch.outgoingQueue) != 0 || len(ch.cellQueue) != 0 || len(ch.incomingList) != 0 {
			return fmt.Errorf("channel: cannot enter CLOSED with non-empty queues")
		}
	}
	ch.state = target
	if ch.registry != nil {
		ch.registry.noteStateChange(ch)
	}
	return nil
}

// MarkOpen transitions the channel to OPEN (from OPENING or MAINT), then
// flushes queued outgoing cells and drains queued inbound cells per §4.2,
// running the full open-time actions of §4.6 only when the prior state was
// OPENING (a MAINT->OPEN recovery does not repeat guard/geoip bookkeeping).
func (ch *Channel) MarkOpen() error {
	ch.mu.Lock()
	prev := ch.state
	err := ch.setStateLocked(StateOpen, ReasonNotClosing)
	ch.mu.Unlock()
	if err != nil {
		return err
	}

	ch.flushOutgoing()
	ch.drainCellQueue()

	if prev == StateOpening {
		ch.runOpenTimeActions()
	}
	return nil
}

// MarkMaint transitions OPEN -> MAINT, e.g. when the underlying TLS
// connection leaves its "open" sub-state (§4.7).
func (ch *Channel) MarkMaint() error {
	ch.mu.Lock()
	err := ch.setStateLocked(StateMaint, ReasonNotClosing)
	ch.mu.Unlock()
	return err
}

// MarkListening transitions CLOSED -> LISTENING.
func (ch *Channel) MarkListening() error {
	ch.mu.Lock()
	err := ch.setStateLocked(StateListening, ReasonNotClosing)
	ch.mu.Unlock()
	return err
}

// MarkOpening transitions CLOSED -> OPENING, e.g. once a TLS dial has been
// requested (§4.7's tls_connect).
func (ch *Channel) MarkOpening() error {
	ch.mu.Lock()
	err := ch.setStateLocked(StateOpening, ReasonNotClosing)
	ch.mu.Unlock()
	return err
}

// RequestClose is the locally-initiated close flow of §4.2: it is a no-op if
// the channel is already closing or terminal; otherwise it sets reason
// REQUESTED, transitions to CLOSING, and calls the transport's Close hook.
func (ch *Channel) RequestClose() error {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state.IsTerminal() {
		ch.mu.Unlock()
		return nil
	}
	err := ch.setStateLocked(StateClosing, ReasonRequested)
	ch.mu.Unlock()
	if err != nil {
		return err
	}
	return ch.invokeTransportClose()
}

// CloseFromLowerLayer is the graceful close flow initiated by the transport
// (§4.2): reason FROM_BELOW, transition to CLOSING, no `close` hook call.
func (ch *Channel) CloseFromLowerLayer() error {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state.IsTerminal() {
		ch.mu.Unlock()
		return nil
	}
	err := ch.setStateLocked(StateClosing, ReasonFromBelow)
	ch.mu.Unlock()
	return err
}

// CloseForError is the faulty-transport close flow (§4.2): reason FOR_ERROR,
// transition to CLOSING, no `close` hook call.
func (ch *Channel) CloseForError() error {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state.IsTerminal() {
		ch.mu.Unlock()
		return nil
	}
	err := ch.setStateLocked(StateClosing, ReasonForError)
	ch.mu.Unlock()
	return err
}

// Closed is invoked once the transport finishes tearing down (§4.2's
// `closed`). If the channel was closing FOR_ERROR, pending-but-unattached
// circuits are notified of failure first. Either way, every attached
// circuit is unlinked with CHANNEL_CLOSED before the channel completes its
// transition to CLOSED (or ERROR, if the reason was FOR_ERROR).
func (ch *Channel) Closed() error {
	ch.mu.Lock()
	if ch.state.IsTerminal() {
		ch.mu.Unlock()
		return nil
	}
	reason := ch.reasonForClosing
	target := StateClosed
	if reason == ReasonForError {
		target = StateError
	}
	err := ch.setStateLocked(target, reason)
	id := ch.id
	ch.mu.Unlock()
	if err != nil {
		return err
	}

	if reason == ReasonForError {
		ch.deps.Circuits.NChanDone(id, false)
	}
	ch.deps.Circuits.UnlinkAllFromChannel(id, collab.CloseReasonChannelClosed)

	shouldFree := false
	ch.mu.Lock()
	shouldFree = ch.maybeMarkFreedLocked()
	ch.mu.Unlock()
	if shouldFree {
		ch.doFree()
	}
	return nil
}

func (ch *Channel) invokeTransportClose() error {
	ch.Ref()
	defer ch.Unref()
	ch.mu.Lock()
	t := ch.transport
	ch.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// runOpenTimeActions implements spec.md §4.6, distinguishing locally- from
// remotely-initiated channels.
func (ch *Channel) runOpenTimeActions() {
	ch.mu.Lock()
	locallyInitiated := !ch.initiatedRemotely
	id := ch.id
	identity := ch.identityDigest
	ch.mu.Unlock()

	if locallyInitiated {
		suppressed := false
		if err := ch.deps.Guards.RegisterConnectStatus(identity, true); err != nil {
			ch.deps.Log.Info("entry guard rejected channel, cancelling pending circuits",
				"channel_id", id, "error", err)
			ch.deps.Circuits.NChanDone(id, false)
			suppressed = true
		} else {
			ch.deps.Routers.MarkReachable(identity)
		}
		if !suppressed {
			ch.deps.Circuits.NotifyOpen(id)
		}
		return
	}

	if info, known := ch.deps.Routers.ByIDDigest(identity); !known || !info.Known {
		ch.deps.GeoIP.NoteClientSeen(identity, "", ch.deps.Clock.Now())
	}
	ch.deps.Circuits.NotifyOpen(id)
}
