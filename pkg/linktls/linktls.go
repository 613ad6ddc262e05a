// Package linktls is the concrete TLS binding for an OR link channel: it
// owns the cell-oriented TLS connection underneath a channel.Channel,
// implements both channel.Transport (the channel's outbound hook set) and
// collab.TlsLink (the handshake engine's view of the same connection), and
// runs the read loop that decodes cells off the wire and routes them either
// to the handshake engine (pre-OPEN) or the circuit layer (post-OPEN).
// Grounded on pkg/connection/connection.go's cell-oriented Connection type,
// generalized from a client-only dialer into a client+server binding.
package linktls

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/channel"
	"github.com/go-orlink/orlink/pkg/collab"
	"github.com/go-orlink/orlink/pkg/connection"
	"github.com/go-orlink/orlink/pkg/handshake"
	"github.com/go-orlink/orlink/pkg/logger"
)

// sessionKeyLabel names the RFC 5705 exported keying material used as
// AUTHENTICATE's TLSSECRETS field (§6.5).
const sessionKeyLabel = "orlink link-authenticate tls-secrets"

// sessionKeyLen matches V3AuthBodyLen's fixed-size TLSSECRETS field.
const sessionKeyLen = 32

// Link binds one channel.Channel to a real TLS connection. It is installed
// as the channel's Transport and handed to the handshake engine as its
// TlsLink, so both sides of the abstraction boundary drawn in pkg/channel
// and pkg/handshake resolve to the same underlying socket.
type Link struct {
	conn *connection.Connection
	ch   *channel.Channel
	log  *logger.Logger

	mu       sync.Mutex
	subState collab.LinkSubState
	eng      *handshake.Engine
	closeWhy string

	closingLocally atomic.Bool
}

// NewLink wraps an already-connected connection.Connection (client dial or
// accepted server socket) and installs it as ch's transport. The v2/v3 TLS
// sub-state distinction (§4.8's "TLS-handshake/renegotiation window") is not
// separately modeled: link protocol v1/v2 are legacy-only (v1 rejected
// outright, v2 handled only as a VERSIONS/NETINFO shortcut), so every Link
// starts life already in the v3 sub-state.
func NewLink(conn *connection.Connection, ch *channel.Channel, log *logger.Logger) *Link {
	if log == nil {
		log = logger.NewDefault()
	}
	l := &Link{conn: conn, ch: ch, log: log, subState: collab.SubStateHandshakingV3}
	ch.SetTransport(l)
	return l
}

// SetEngine installs the handshake engine driving this link's pre-OPEN
// cells. Must be called before Serve.
func (l *Link) SetEngine(eng *handshake.Engine) {
	l.mu.Lock()
	l.eng = eng
	l.mu.Unlock()
}

// Dial opens a new outbound channel: it allocates and registers a Channel,
// connects the underlying TLS socket, wires up a client-side handshake
// Engine, and sends the initial VERSIONS cell. The caller must run Serve
// (typically in its own goroutine) to pump the connection afterward.
// retryCfg governs ConnectWithRetry's TCP/TLS-level retries for a dial; nil
// uses connection.DefaultRetryConfig(). This is independent of, and beneath,
// any higher-level retry a caller layers around Dial itself (e.g.
// cmd/orlinkctl dial's circuit breaker around the whole handshake) — it only
// re-attempts the raw connect, not the link handshake.
func Dial(ctx context.Context, reg *channel.Registry, chDeps channel.Deps, connCfg *connection.Config, retryCfg *connection.RetryConfig, hsDeps handshake.Deps, isPublicServer bool, supported []uint16, realAddr cell.NetAddr, log *logger.Logger) (*Link, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	ch, err := channel.New(reg, chDeps, false)
	if err != nil {
		return nil, fmt.Errorf("linktls: allocate channel: %w", err)
	}
	conn := connection.New(connCfg, log)
	link := NewLink(conn, ch, log)
	reg.Register(ch)
	if err := ch.MarkOpening(); err != nil {
		return nil, fmt.Errorf("linktls: mark opening: %w", err)
	}
	if err := conn.ConnectWithRetry(ctx, connCfg, retryCfg); err != nil {
		_ = ch.CloseForError()
		_ = ch.Closed()
		return nil, fmt.Errorf("linktls: dial %s: %w", connCfg.Address, err)
	}

	eng := handshake.New(ch, link, hsDeps, true, isPublicServer, supported, realAddr)
	link.SetEngine(eng)
	if err := eng.Start(); err != nil {
		return nil, fmt.Errorf("linktls: start handshake: %w", err)
	}
	return link, nil
}

// Accept wraps a server-side TLS socket, already handed over by a listener
// after its own TLS handshake completed, into a freshly opening Channel with
// a server-side handshake Engine installed. Unlike Dial, the engine does not
// send anything until the peer's VERSIONS cell arrives.
func Accept(tlsConn *tls.Conn, reg *channel.Registry, chDeps channel.Deps, hsDeps handshake.Deps, isPublicServer bool, supported []uint16, realAddr cell.NetAddr, log *logger.Logger) (*Link, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	ch, err := channel.New(reg, chDeps, true)
	if err != nil {
		return nil, fmt.Errorf("linktls: allocate channel: %w", err)
	}
	addr := ""
	if ra := tlsConn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	conn := connection.NewAccepted(tlsConn, addr, log)
	link := NewLink(conn, ch, log)
	reg.Register(ch)
	if err := ch.MarkOpening(); err != nil {
		return nil, fmt.Errorf("linktls: mark opening: %w", err)
	}

	eng := handshake.New(ch, link, hsDeps, false, isPublicServer, supported, realAddr)
	link.SetEngine(eng)
	return link, nil
}

// Serve is the link's read loop: it decodes cells off the wire until the
// connection closes or ctx is cancelled, handing each one to the handshake
// engine until the channel reaches OPEN and to the circuit layer afterward.
// It returns once the connection is no longer usable; the caller does not
// need to call Close afterward unless it wants to force an earlier stop.
func (l *Link) Serve(ctx context.Context) error {
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	for {
		c, err := l.conn.ReceiveCell()
		if err != nil {
			return l.handleReadError(err)
		}
		l.conn.SetCircIDWidth(l.ch.CircIDWidth())

		if l.ch.State() == channel.StateOpen {
			l.dispatchOpen(c)
			continue
		}

		l.mu.Lock()
		eng := l.eng
		l.mu.Unlock()
		if eng == nil {
			l.log.Warn("link: cell received before handshake engine installed", "command", c.Command)
			continue
		}
		if err := eng.HandleCell(c); err != nil {
			return err
		}
		l.conn.SetCircIDWidth(l.ch.CircIDWidth())
		if l.ch.State() == channel.StateOpen {
			l.mu.Lock()
			l.subState = collab.SubStateOpen
			l.mu.Unlock()
		}
	}
}

func (l *Link) handleReadError(err error) error {
	if l.closingLocally.Load() {
		return nil
	}
	if err == io.EOF {
		_ = l.conn.Close()
		_ = l.ch.CloseFromLowerLayer()
		_ = l.ch.Closed()
		return nil
	}
	l.log.Warn("link: read failed", "error", err)
	_ = l.conn.Close()
	_ = l.ch.CloseForError()
	_ = l.ch.Closed()
	return err
}

func (l *Link) dispatchOpen(c *cell.Cell) {
	if c.Command.IsVariableLength() {
		l.ch.QueueVarCell(c)
		return
	}
	l.ch.QueueCell(c)
}

// --- channel.Transport ---

// Close begins tearing down the link in response to a local RequestClose; it
// closes the TLS socket (unblocking Serve) and immediately signals the
// channel as torn down, since Connection.Close is synchronous.
func (l *Link) Close() error {
	l.closingLocally.Store(true)
	err := l.conn.Close()
	_ = l.ch.Closed()
	return err
}

// Free releases transport-owned resources. The underlying socket is already
// closed by the time Channel.doFree calls this, so there is nothing left to
// release.
func (l *Link) Free() {}

// WriteCell and WriteVarCell both forward to the same cell-oriented send
// path; cell.Encode already frames fixed vs. variable-length cells based on
// the command byte, so no separate wire path is needed here.
func (l *Link) WriteCell(c *cell.Cell) error {
	return l.conn.SendCell(c)
}

func (l *Link) WriteVarCell(c *cell.Cell) error {
	return l.conn.SendCell(c)
}

// --- collab.TlsLink ---

func (l *Link) SessionKey() []byte {
	key, err := l.conn.ExportSessionSecret(sessionKeyLabel, sessionKeyLen)
	if err != nil {
		l.log.Warn("link: could not export TLS session key material", "error", err)
		return nil
	}
	return key
}

func (l *Link) PeerCertDER() []byte {
	return l.conn.PeerCertificateDER()
}

func (l *Link) SubState() collab.LinkSubState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subState
}

// MarkForClose tears down the TLS socket immediately on a protocol
// violation. The handshake engine has already driven the channel into
// CLOSING(FOR_ERROR) by the time it calls this (engine.fail); this only
// needs to finish the transport side and let the channel reach ERROR.
func (l *Link) MarkForClose(reason string) {
	l.closingLocally.Store(true)
	l.mu.Lock()
	l.closeWhy = reason
	l.mu.Unlock()
	_ = l.conn.Close()
	_ = l.ch.Closed()
}
