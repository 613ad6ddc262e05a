// Package collab declares the narrow, abstract interfaces the channel core
// depends on but does not implement: the collaborators enumerated in
// spec.md §6.7. Each one is intentionally minimal — just enough surface for
// the handshake engine and channel base to drive — so that a relay can wire
// in its own clock, RNG, router database, guard manager, geoip bookkeeping
// and controller without the core importing any of that machinery directly.
package collab

import (
	"time"

	"github.com/go-orlink/orlink/pkg/cell"
)

// LinkSubState is the coarse TLS-handshake phase the engine's pre-handshake
// filter (§4.8) needs to know about: whether the peer is still inside the
// TLS library's own handshake/renegotiation window, or has moved on to a v2
// or v3 link-protocol handshake conducted over already-established TLS
// records.
type LinkSubState int

const (
	SubStateHandshakingTLS LinkSubState = iota
	SubStateHandshakingV2
	SubStateHandshakingV3
	SubStateOpen
)

// TlsLink is the session-level surface the handshake engine needs from the
// TLS connection underneath a channel: raw cell I/O, the session key
// material consumed by AUTHENTICATE, the peer's certificate chain, the
// current sub-state, and the ability to mark the connection for close on a
// protocol violation (§6.7).
type TlsLink interface {
	WriteCell(c *cell.Cell) error
	WriteVarCell(c *cell.Cell) error
	// SessionKey returns the TLS session's exported key material used as
	// TLSSECRETS in the v3 authenticator (§6.5).
	SessionKey() []byte
	// PeerCertDER returns the raw DER bytes of the peer's leaf TLS
	// certificate, used to verify the LINK certificate in CERTS (§4.8).
	PeerCertDER() []byte
	MarkForClose(reason string)
	SubState() LinkSubState
}

// Clock abstracts wall-clock access so tests can inject deterministic time.
type Clock interface {
	Now() time.Time
	ApproxTime() time.Time
}

// Rng abstracts random number generation.
type Rng interface {
	// Bytes fills and returns n cryptographically random bytes.
	Bytes(n int) ([]byte, error)
	// Uint16n returns a uniform random value in [0, bound).
	Uint16n(bound uint16) (uint16, error)
}

// CertDecoder decodes and validates the certificate types carried in a
// CERTS cell (§6.3). Concrete certificate formats (X.509, Tor Ed25519 certs,
// ...) are an implementation detail of whatever decoder is wired in.
type CertDecoder interface {
	// Decode parses raw certificate bytes of the given type.
	Decode(certType byte, raw []byte) (Cert, error)
}

// Cert is an opaque, decoded certificate handed back by a CertDecoder.
type Cert interface {
	// IsValid reports whether the certificate is well-formed and unexpired.
	IsValid(now time.Time) bool
	// MatchesKey reports whether this certificate attests to the given key.
	MatchesKey(key []byte) bool
	// GetKey returns the public key this certificate attests to.
	GetKey() []byte
	// IDDigest returns the identity fingerprint derived from this cert, when
	// it is an identity certificate.
	IDDigest() [20]byte
	// SignedBy reports whether this certificate was signed by the holder of
	// the given key (a self-signed certificate reports true for its own key).
	SignedBy(key []byte) bool
}

// Signer computes and verifies PKCS#1 v1.5 signatures over SHA-256 digests,
// used by the AUTHENTICATE step (§4.8, §6.5). Sign always signs with this
// relay's own link/authentication private key; Verify checks a signature
// against an arbitrary (peer-supplied) public key.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Verify(publicKey, digest, signature []byte) bool
}

// DigestStream is a running digest accumulator: append bytes as they are
// observed, and finalize to a SHA-256 sum at authentication time (§3, §4.8).
type DigestStream interface {
	Append(p []byte)
	Sum() [32]byte
}

// CloseReason mirrors the channel-level reasons a circuit can be unlinked for.
type CloseReason int

const (
	CloseReasonUnknown CloseReason = iota
	CloseReasonChannelClosed
)

// CircuitLayer is the upper layer that owns circuits multiplexed over a
// channel. The channel core only ever calls these three methods; circuit
// construction, extension and relay-cell cryptography live entirely above
// this boundary (explicitly out of scope, per spec.md §1).
type CircuitLayer interface {
	// UnlinkAllFromChannel detaches every circuit attached to the channel
	// identified by id, for the given reason.
	UnlinkAllFromChannel(channelID uint64, reason CloseReason)
	// NChanDone notifies circuits pending on channelID that the channel will
	// not be used, e.g. because entry-guard registration rejected it.
	NChanDone(channelID uint64, ok bool)
	// NotifyOpen tells the circuit layer that channelID transitioned to OPEN
	// and pending circuits on it may now proceed.
	NotifyOpen(channelID uint64)
}

// GuardManager records the outcome of a locally-initiated connection attempt
// to a peer identity, and decides whether that peer may be used as a guard.
type GuardManager interface {
	// RegisterConnectStatus reports the outcome (success) of a connect to
	// identityDigest.
	// Returns an error if the guard subsystem rejects use of this peer (the
	// channel stays open regardless; see spec.md §4.6).
	RegisterConnectStatus(identityDigest [20]byte, success bool) error
}

// RouterDB is the address book / router descriptor database.
type RouterDB interface {
	// ByIDDigest looks up known router metadata by identity digest.
	ByIDDigest(identityDigest [20]byte) (RouterInfo, bool)
	// IsTrustedDir reports whether identityDigest is a directory authority.
	IsTrustedDir(identityDigest [20]byte) bool
	// MarkReachable records that identityDigest was just reached successfully
	// (§4.6: "set the peer router's reachability status to up").
	MarkReachable(identityDigest [20]byte)
}

// RouterInfo is the minimal router metadata the channel core consults.
type RouterInfo struct {
	Nickname string
	Known    bool
}

// GeoIP tracks directory-request bookkeeping and client sightings.
type GeoIP interface {
	NoteClientSeen(identityDigest [20]byte, addr string, at time.Time)
}

// Controller emits events to attached controller connections.
type Controller interface {
	EmitClockSkew(identityDigest [20]byte, skewSeconds int64, trusted bool)
}

// Log is the leveled logging surface the core uses. *logger.Logger already
// satisfies this (it embeds *slog.Logger).
type Log interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
