// Package handshake implements the link handshake engine of spec.md §4.8:
// the VERSIONS / CERTS / AUTH_CHALLENGE / AUTHENTICATE / NETINFO state
// machine that runs on top of a TLS stream before any cell is handed to the
// circuit layer. It is grounded on the handshake client in
// other_examples/097caa0a_cvsouth-tor-go__link-link.go.go (VERSIONS
// negotiation, CERTS validation, padding-skipping cell reads, NETINFO
// construction) and generalized to the full client+server, v2+v3,
// authority+non-authority matrix spec.md §4.8 describes.
package handshake

import (
	"fmt"
	"time"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/channel"
	"github.com/go-orlink/orlink/pkg/collab"
)

// Supported link protocol versions this implementation offers, highest
// first is not required — VERSIONS negotiation picks the max of the
// intersection regardless of list order.
var DefaultSupportedVersions = []uint16{3, 4, 5}

// skewWarnThreshold is the |apparent_skew| past which NETINFO clock skew
// becomes diagnostically interesting (§4.8).
const skewWarnThreshold = 3600 * time.Second

// skewWindow is how soon after sending VERSIONS a NETINFO must arrive for
// its timestamp to be trusted as a skew measurement (§4.8).
const skewWindow = 180 * time.Second

// Deps bundles the collaborators the engine consults beyond the TlsLink and
// the Channel it is driving.
type Deps struct {
	CertDecoder collab.CertDecoder
	Signer      collab.Signer
	Rng         collab.Rng
	Clock       collab.Clock
	Log         collab.Log
	Controller  collab.Controller
	Routers     collab.RouterDB
	// Digest is the running combined handshake digest (§3, §4.8, invariant
	// 7). If nil, a fresh collab.SHA256Digest is used.
	Digest collab.DigestStream
	// OwnCerts are the raw CERTS-cell entries this side presents: ID+AUTH
	// for a client, ID+LINK for a server (§4.8's CERTS step).
	OwnCerts []cell.CertEntry
	// OwnIdentityDigest is this relay's own identity fingerprint, used to
	// decide circuit-ID parity against the peer's (§4.9).
	OwnIdentityDigest [20]byte
	// OwnLinkCertDER is this side's own TLS_LINK certificate DER, needed by
	// the server side of AUTHENTICATE to compute SCERT (the client instead
	// reads it straight off the TLS session via TlsLink.PeerCertDER).
	OwnLinkCertDER []byte
}

func (d Deps) withDefaults() Deps {
	if d.Rng == nil {
		d.Rng = collab.CryptoRng{}
	}
	if d.Clock == nil {
		d.Clock = collab.SystemClock{}
	}
	if d.Log == nil {
		d.Log = collab.NoopLog{}
	}
	if d.Controller == nil {
		d.Controller = collab.NoopController{}
	}
	if d.Routers == nil {
		d.Routers = collab.EmptyRouterDB{}
	}
	if d.Digest == nil {
		d.Digest = collab.NewSHA256Digest()
	}
	return d
}

// Engine drives one channel's link handshake. One Engine is created per
// channel and discarded once the channel reaches OPEN.
type Engine struct {
	ch   *channel.Channel
	link collab.TlsLink
	deps Deps

	startedHere    bool
	isPublicServer bool
	supported      []uint16
	realAddr       cell.NetAddr

	linkProto             uint16
	receivedVersions       bool
	receivedCertsCell      bool
	receivedAuthChallenge  bool
	receivedAuthenticate   bool
	authenticated          bool
	sentVersionsAt         time.Time
	authenticatedPeerID    [20]byte

	idCert   collab.Cert
	authCert collab.Cert
	linkCert collab.Cert

	// inboundDigest and outboundDigest separately accumulate the bytes the
	// peer sent us and the bytes we sent the peer, respectively; both feed
	// deps.Digest too. AUTHENTICATE's SLOG/CLOG fields need the split views
	// (§6.5), while invariant 7 only needs the combined one.
	inboundDigest  *collab.SHA256Digest
	outboundDigest *collab.SHA256Digest
}

// New creates a handshake engine for ch. startedHere matches spec.md's
// `started_here` (true iff this side dialed out). realAddr is this relay's
// own address, used for the NETINFO "is_canonical" comparison.
func New(ch *channel.Channel, link collab.TlsLink, deps Deps, startedHere, isPublicServer bool, supported []uint16, realAddr cell.NetAddr) *Engine {
	if supported == nil {
		supported = DefaultSupportedVersions
	}
	return &Engine{
		ch:             ch,
		link:           link,
		deps:           deps.withDefaults(),
		startedHere:    startedHere,
		isPublicServer: isPublicServer,
		supported:      supported,
		realAddr:       realAddr,
		inboundDigest:  collab.NewSHA256Digest(),
		outboundDigest: collab.NewSHA256Digest(),
	}
}

// Start sends the initial VERSIONS cell. Only the side that dialed out calls
// this, unprompted, before any cell has been received (§4.8).
func (e *Engine) Start() error {
	if !e.startedHere {
		return fmt.Errorf("handshake: Start called on a non-initiating engine")
	}
	return e.sendVersions()
}

func (e *Engine) sendVersions() error {
	payload := cell.EncodeVersions(e.supported)
	c := cell.NewVarCell(0, cell.CmdVersions, payload)
	if err := e.sendVarCell(c); err != nil {
		return e.fail("send VERSIONS", err)
	}
	e.sentVersionsAt = e.deps.Clock.Now()
	return nil
}

// sendVarCell writes a variable-length cell to the link and feeds it into
// the running digests (every v3 handshake variable-length cell except
// AUTHENTICATE is covered; §4.8).
func (e *Engine) sendVarCell(c *cell.Cell) error {
	if err := e.link.WriteVarCell(c); err != nil {
		return err
	}
	if c.Command != cell.CmdAuthenticate {
		e.deps.Digest.Append(c.Payload)
		e.outboundDigest.Append(c.Payload)
	}
	return nil
}

func (e *Engine) sendFixedCell(c *cell.Cell) error {
	return e.link.WriteCell(c)
}

// fail logs, marks the link for close, and transitions the channel to
// ERROR — the common response to every protocol/peer-policy/local-send
// failure class of §7.
func (e *Engine) fail(context string, err error) error {
	e.deps.Log.Warn("link handshake failed", "step", context, "error", err)
	e.link.MarkForClose(context)
	_ = e.ch.CloseForError()
	return fmt.Errorf("handshake: %s: %w", context, err)
}

func (e *Engine) protocolError(context, format string, args ...any) error {
	return e.fail(context, fmt.Errorf(format, args...))
}

// HandleCell is the entry point the transport glue (pkg/linktls) calls for
// every cell observed before the channel reaches OPEN. Once OPEN, cells
// bypass the engine entirely and go straight to channel.QueueCell /
// QueueVarCell for circuit-layer dispatch.
func (e *Engine) HandleCell(c *cell.Cell) error {
	if c.Command.IsVariableLength() && c.Command != cell.CmdAuthenticate {
		e.deps.Digest.Append(c.Payload)
		e.inboundDigest.Append(c.Payload)
	}
	switch c.Command {
	case cell.CmdVersions:
		return e.handleVersions(c)
	case cell.CmdNetinfo:
		return e.handleNetinfo(c)
	case cell.CmdCerts:
		return e.handleCerts(c)
	case cell.CmdAuthChallenge:
		return e.handleAuthChallenge(c)
	case cell.CmdAuthenticate:
		return e.handleAuthenticate(c)
	case cell.CmdVPadding, cell.CmdPadding:
		return nil // padding is always allowed and carries no handshake meaning
	case cell.CmdAuthorize:
		return nil // recognized but unused; decoded-and-discarded per §4.8's CERTS note applied by analogy
	default:
		return e.protocolError("pre-handshake filter",
			"unexpected command %s before handshake completion", c.Command)
	}
}
