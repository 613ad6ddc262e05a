package handshake

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/collab"
)

// authType0001 is the literal 8-byte TYPE tag of a v3 RSA_SHA256_TLSSECRET
// authenticator body (§6.5).
var authType0001 = [8]byte{'A', 'U', 'T', 'H', '0', '0', '0', '1'}

func (e *Engine) handleVersions(c *cell.Cell) error {
	if e.linkProto != 0 || e.receivedVersions {
		return e.protocolError("VERSIONS", "VERSIONS already negotiated")
	}
	peerVersions, err := cell.DecodeVersions(c.Payload)
	if err != nil {
		return e.protocolError("VERSIONS", "%v", err)
	}

	best := highestCommon(e.supported, peerVersions)
	if best == 0 {
		return e.protocolError("VERSIONS", "no common link protocol version")
	}
	if best == 1 {
		return e.protocolError("VERSIONS", "peer selected v1, which has no VERSIONS cell")
	}
	if best < 3 && e.link.SubState() == collab.SubStateHandshakingV3 {
		return e.protocolError("VERSIONS", "downgrade to v%d after a v3 TLS handshake", best)
	}

	e.linkProto = best
	e.receivedVersions = true
	if best >= 4 {
		e.ch.SetCircIDWidth(cell.CircIDWide)
	} else {
		e.ch.SetCircIDWidth(cell.CircIDNarrow)
	}

	if best == 2 {
		return e.sendNetinfo()
	}

	sendVersions := !e.startedHere
	sendCerts := !e.startedHere || e.isPublicServer
	sendChall := !e.startedHere && e.isPublicServer
	sendNetinfo := !e.startedHere

	if sendVersions {
		if err := e.sendVersions(); err != nil {
			return err
		}
	}
	if sendCerts {
		if err := e.sendCerts(); err != nil {
			return err
		}
	}
	if sendChall {
		if err := e.sendAuthChallenge(); err != nil {
			return err
		}
	}
	if sendNetinfo {
		if err := e.sendNetinfo(); err != nil {
			return err
		}
	}
	return nil
}

func highestCommon(ours, theirs []uint16) uint16 {
	set := make(map[uint16]bool, len(theirs))
	for _, v := range theirs {
		set[v] = true
	}
	var best uint16
	for _, v := range ours {
		if set[v] && v > best {
			best = v
		}
	}
	return best
}

func (e *Engine) sendCerts() error {
	if len(e.deps.OwnCerts) == 0 {
		return e.fail("send CERTS", fmt.Errorf("no local certificates configured"))
	}
	payload, err := cell.EncodeCerts(e.deps.OwnCerts)
	if err != nil {
		return e.fail("send CERTS", err)
	}
	if err := e.sendVarCell(cell.NewVarCell(0, cell.CmdCerts, payload)); err != nil {
		return e.fail("send CERTS", err)
	}
	return nil
}

func (e *Engine) sendAuthChallenge() error {
	challengeBytes, err := e.deps.Rng.Bytes(cell.OR_AUTH_CHALLENGE_LEN)
	if err != nil {
		return e.fail("send AUTH_CHALLENGE", err)
	}
	ac := &cell.AuthChallenge{Methods: []uint16{cell.AuthMethodRSASHA256TLSSecret}}
	copy(ac.Challenge[:], challengeBytes)
	payload := cell.EncodeAuthChallenge(ac)
	if err := e.sendVarCell(cell.NewVarCell(0, cell.CmdAuthChallenge, payload)); err != nil {
		return e.fail("send AUTH_CHALLENGE", err)
	}
	return nil
}

func (e *Engine) sendNetinfo() error {
	ni := &cell.Netinfo{
		Timestamp: uint32(e.deps.Clock.Now().Unix()),
		MyAddr:    e.realAddr,
	}
	payload, err := cell.EncodeNetinfo(ni)
	if err != nil {
		return e.fail("send NETINFO", err)
	}
	c := cell.NewCell(0, cell.CmdNetinfo)
	c.Payload = payload
	if err := e.sendFixedCell(c); err != nil {
		return e.fail("send NETINFO", err)
	}
	return nil
}

func (e *Engine) handleCerts(c *cell.Cell) error {
	if e.linkProto < 3 || e.link.SubState() != collab.SubStateHandshakingV3 {
		return e.protocolError("CERTS", "CERTS cell outside v3 handshake")
	}
	if e.receivedCertsCell {
		return e.protocolError("CERTS", "duplicate CERTS cell")
	}
	if e.authenticated {
		return e.protocolError("CERTS", "CERTS cell after authentication")
	}
	if len(c.Payload) < 1 {
		return e.protocolError("CERTS", "empty payload")
	}
	if c.CircID != 0 {
		return e.protocolError("CERTS", "nonzero circ_id %d", c.CircID)
	}
	entries, err := cell.DecodeCerts(c.Payload)
	if err != nil {
		return e.protocolError("CERTS", "%v", err)
	}

	var tlsLinkRaw, idRaw, authRaw []byte
	seen := map[cell.CertType]bool{}
	for _, ent := range entries {
		if seen[ent.Type] {
			switch ent.Type {
			case cell.CertTypeTLSLink, cell.CertTypeID1024, cell.CertTypeAuth1024:
				return e.protocolError("CERTS", "duplicate certificate of type %d", ent.Type)
			}
		}
		seen[ent.Type] = true
		switch ent.Type {
		case cell.CertTypeTLSLink:
			tlsLinkRaw = ent.Bytes
		case cell.CertTypeID1024:
			idRaw = ent.Bytes
		case cell.CertTypeAuth1024:
			authRaw = ent.Bytes
		default:
			// decoded-and-discarded: recognized variable-length entry, no
			// handshake meaning beyond occupying the CERTS cell.
		}
	}

	now := e.deps.Clock.Now()
	if e.startedHere {
		if idRaw == nil || tlsLinkRaw == nil {
			return e.protocolError("CERTS", "client requires ID and LINK certs")
		}
		idCert, err := e.deps.CertDecoder.Decode(byte(cell.CertTypeID1024), idRaw)
		if err != nil {
			return e.protocolError("CERTS", "decode ID cert: %v", err)
		}
		linkCert, err := e.deps.CertDecoder.Decode(byte(cell.CertTypeTLSLink), tlsLinkRaw)
		if err != nil {
			return e.protocolError("CERTS", "decode LINK cert: %v", err)
		}
		if !idCert.IsValid(now) || !linkCert.IsValid(now) {
			return e.protocolError("CERTS", "certificate expired or malformed")
		}
		if !linkCert.MatchesKey(e.link.PeerCertDER()) {
			return e.protocolError("CERTS", "LINK cert does not match the TLS session key")
		}
		if !linkCert.SignedBy(idCert.GetKey()) {
			return e.protocolError("CERTS", "LINK cert not signed by ID cert")
		}
		if !idCert.SignedBy(idCert.GetKey()) {
			return e.protocolError("CERTS", "ID cert is not self-signed")
		}

		e.authenticated = true
		e.idCert = idCert
		e.linkCert = linkCert
		e.authenticatedPeerID = idCert.IDDigest()
		e.ch.SetIdentityDigest(e.authenticatedPeerID)
		e.ch.SetCircIDParity(peerGetsHighBit(e.deps.OwnIdentityDigest, e.authenticatedPeerID))

		if !e.isPublicServer {
			if err := e.sendNetinfo(); err != nil {
				return err
			}
		}
	} else {
		if idRaw == nil || authRaw == nil {
			return e.protocolError("CERTS", "server requires ID and AUTH certs")
		}
		idCert, err := e.deps.CertDecoder.Decode(byte(cell.CertTypeID1024), idRaw)
		if err != nil {
			return e.protocolError("CERTS", "decode ID cert: %v", err)
		}
		authCert, err := e.deps.CertDecoder.Decode(byte(cell.CertTypeAuth1024), authRaw)
		if err != nil {
			return e.protocolError("CERTS", "decode AUTH cert: %v", err)
		}
		if !idCert.IsValid(now) || !authCert.IsValid(now) {
			return e.protocolError("CERTS", "certificate expired or malformed")
		}
		if !authCert.SignedBy(idCert.GetKey()) {
			return e.protocolError("CERTS", "AUTH cert not signed by ID cert")
		}
		if !idCert.SignedBy(idCert.GetKey()) {
			return e.protocolError("CERTS", "ID cert is not self-signed")
		}
		e.idCert = idCert
		e.authCert = authCert
	}

	e.receivedCertsCell = true
	return nil
}

// peerGetsHighBit decides circuit-ID parity by comparing the two
// identities: the lexicographically larger digest allocates from the
// high half of the ID space, so the two endpoints never collide when each
// allocates its own new circuit IDs independently (§4.9).
func peerGetsHighBit(ours, peer [20]byte) bool {
	return bytes.Compare(ours[:], peer[:]) > 0
}

func (e *Engine) handleAuthChallenge(c *cell.Cell) error {
	if !e.startedHere {
		return e.protocolError("AUTH_CHALLENGE", "a server must not receive AUTH_CHALLENGE")
	}
	if e.linkProto < 3 || e.link.SubState() != collab.SubStateHandshakingV3 {
		return e.protocolError("AUTH_CHALLENGE", "AUTH_CHALLENGE outside v3 handshake")
	}
	if !e.receivedCertsCell {
		return e.protocolError("AUTH_CHALLENGE", "AUTH_CHALLENGE before CERTS")
	}
	if e.receivedAuthChallenge {
		return e.protocolError("AUTH_CHALLENGE", "duplicate AUTH_CHALLENGE")
	}
	if len(c.Payload) < cell.OR_AUTH_CHALLENGE_LEN+2 {
		return e.protocolError("AUTH_CHALLENGE", "payload too short")
	}
	ac, err := cell.DecodeAuthChallenge(c.Payload)
	if err != nil {
		return e.protocolError("AUTH_CHALLENGE", "%v", err)
	}
	e.receivedAuthChallenge = true

	if ac.Offers(cell.AuthMethodRSASHA256TLSSecret) && e.isPublicServer {
		if err := e.sendAuthenticate(); err != nil {
			return err
		}
	}
	return e.sendNetinfo()
}

// buildAuthenticatorBody reconstructs the fixed (non-RAND) 200 bytes of the
// v3 AUTHENTICATE authenticator per §6.5: TYPE(8) CID(32) SID(32) SLOG(32)
// CLOG(32) SCERT(32) TLSSECRETS(32). CID is the client's own identity-key
// digest, SID the server's; both sides compute the same values because each
// already holds (or is) the certificate in question. The trailing 24 RAND
// bytes are appended by the caller — the client picks them fresh when
// signing, the server instead splices in whatever the client actually sent.
func (e *Engine) buildAuthenticatorBody() ([]byte, error) {
	var cid, sid, scert [32]byte
	for _, ent := range e.deps.OwnCerts {
		if ent.Type == cell.CertTypeID1024 {
			own, err := e.deps.CertDecoder.Decode(byte(cell.CertTypeID1024), ent.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decode own ID cert: %w", err)
			}
			if e.startedHere {
				cid = sha256.Sum256(own.GetKey()) // our own ID key, we are the client
			} else {
				sid = sha256.Sum256(own.GetKey()) // our own ID key, we are the server
			}
		}
	}
	if e.idCert == nil {
		return nil, fmt.Errorf("no peer ID cert on file")
	}
	if e.startedHere {
		sid = sha256.Sum256(e.idCert.GetKey()) // peer (server)'s ID cert
		scert = sha256.Sum256(e.link.PeerCertDER())
	} else {
		cid = sha256.Sum256(e.idCert.GetKey()) // peer (client)'s ID cert
		scert = sha256.Sum256(e.deps.OwnLinkCertDER)
	}

	// SLOG covers server-sent bytes, CLOG client-sent bytes.
	slog := e.inboundDigest.Sum()
	clog := e.outboundDigest.Sum()
	if !e.startedHere {
		slog, clog = clog, slog
	}
	tlsSecrets := e.link.SessionKey()
	var tlsSecretsFixed [32]byte
	copy(tlsSecretsFixed[:], tlsSecrets)

	body := make([]byte, 0, cell.V3AuthBodyLen)
	body = append(body, authType0001[:]...)
	body = append(body, cid[:]...)
	body = append(body, sid[:]...)
	body = append(body, slog[:]...)
	body = append(body, clog[:]...)
	body = append(body, scert[:]...)
	body = append(body, tlsSecretsFixed[:]...)
	return body, nil
}

func (e *Engine) sendAuthenticate() error {
	fixed, err := e.buildAuthenticatorBody()
	if err != nil {
		return e.fail("send AUTHENTICATE", err)
	}
	randBytes, err := e.deps.Rng.Bytes(24)
	if err != nil {
		return e.fail("send AUTHENTICATE", err)
	}
	body := append(fixed, randBytes...)
	sum := sha256.Sum256(body)
	sig, err := e.deps.Signer.Sign(sum[:])
	if err != nil {
		return e.fail("send AUTHENTICATE", err)
	}
	full := append(append([]byte{}, body...), sig...)
	payload, err := cell.EncodeAuthenticate(&cell.Authenticate{Type: cell.AuthMethodRSASHA256TLSSecret, Body: full})
	if err != nil {
		return e.fail("send AUTHENTICATE", err)
	}
	c := cell.NewVarCell(0, cell.CmdAuthenticate, payload)
	if err := e.link.WriteVarCell(c); err != nil {
		return e.fail("send AUTHENTICATE", err)
	}
	return nil
}

func (e *Engine) handleAuthenticate(c *cell.Cell) error {
	if e.startedHere {
		return e.protocolError("AUTHENTICATE", "a client must not receive AUTHENTICATE")
	}
	if e.linkProto < 3 || e.link.SubState() != collab.SubStateHandshakingV3 {
		return e.protocolError("AUTHENTICATE", "AUTHENTICATE outside v3 handshake")
	}
	if !e.receivedCertsCell || e.authCert == nil || e.idCert == nil {
		return e.protocolError("AUTHENTICATE", "AUTHENTICATE before CERTS")
	}
	if e.authenticated {
		return e.protocolError("AUTHENTICATE", "already authenticated")
	}
	if len(c.Payload) < 4 {
		return e.protocolError("AUTHENTICATE", "payload too short")
	}
	a, err := cell.DecodeAuthenticate(c.Payload)
	if err != nil {
		return e.protocolError("AUTHENTICATE", "%v", err)
	}
	if a.Type != cell.AuthMethodRSASHA256TLSSecret {
		return e.protocolError("AUTHENTICATE", "unrecognized auth type %d", a.Type)
	}
	if len(a.Body) < cell.V3AuthBodyLen {
		return e.protocolError("AUTHENTICATE", "authenticator body too short")
	}
	received := a.Body[:cell.V3AuthBodyLen]
	sig := a.Body[cell.V3AuthBodyLen:]

	expectedPrefix, err := e.buildAuthenticatorBody()
	if err != nil {
		return e.protocolError("AUTHENTICATE", "cannot reconstruct expected authenticator: %v", err)
	}
	// Everything except the trailing RAND bytes is independently
	// reconstructable; RAND is taken verbatim from the client, matching how
	// the signature itself covers whatever RAND the client actually chose.
	fixedLen := cell.V3AuthBodyLen - 24
	if !bytes.Equal(expectedPrefix[:fixedLen], received[:fixedLen]) {
		return e.protocolError("AUTHENTICATE", "authenticator mismatch")
	}

	sum := sha256.Sum256(received)
	if !e.deps.Signer.Verify(e.authCert.GetKey(), sum[:], sig) {
		return e.protocolError("AUTHENTICATE", "bad signature")
	}

	e.receivedAuthenticate = true
	e.authenticated = true
	e.authenticatedPeerID = e.idCert.IDDigest()
	e.ch.SetIdentityDigest(e.authenticatedPeerID)
	e.ch.SetCircIDParity(peerGetsHighBit(e.deps.OwnIdentityDigest, e.authenticatedPeerID))
	return nil
}

func (e *Engine) handleNetinfo(c *cell.Cell) error {
	if e.linkProto < 2 || !e.receivedVersions {
		return e.protocolError("NETINFO", "NETINFO before VERSIONS")
	}
	if e.linkProto >= 3 {
		if e.startedHere {
			if !e.authenticated {
				return e.protocolError("NETINFO", "client received NETINFO before authenticating")
			}
		} else if !e.authenticated {
			e.authenticatedPeerID = [20]byte{}
			e.ch.SetIdentityDigest([20]byte{})
			e.ch.SetCircIDParity(false)
		}
	}

	ni, err := cell.DecodeNetinfo(c.Payload)
	if err != nil {
		return e.protocolError("NETINFO", "%v", err)
	}

	for _, other := range ni.OtherAddr {
		if netAddrEqual(other, e.realAddr) {
			e.ch.SetCanonical(true)
			break
		}
	}

	e.checkClockSkew(ni.Timestamp)

	if err := e.ch.MarkOpen(); err != nil {
		return e.fail("NETINFO: open channel", err)
	}
	return nil
}

func (e *Engine) checkClockSkew(peerTimestamp uint32) {
	if e.sentVersionsAt.IsZero() {
		return
	}
	now := e.deps.Clock.Now()
	if now.Sub(e.sentVersionsAt) > skewWindow {
		return
	}
	skew := now.Unix() - int64(peerTimestamp)
	if abs64(skew) <= int64(skewWarnThreshold.Seconds()) {
		return
	}
	info, known := e.deps.Routers.ByIDDigest(e.authenticatedPeerID)
	if !known {
		return
	}
	// skew = our_now - peer_timestamp: positive means the peer's clock
	// reads earlier than ours (it is behind); negative means it is ahead.
	direction := "behind"
	if skew < 0 {
		direction = "ahead"
	}
	msg := fmt.Sprintf("peer clock %s by %ds", direction, abs64(skew))
	if e.deps.Routers.IsTrustedDir(e.authenticatedPeerID) {
		e.deps.Log.Warn(msg, "peer", info.Nickname)
		e.deps.Controller.EmitClockSkew(e.authenticatedPeerID, skew, true)
		return
	}
	e.deps.Log.Info(msg, "peer", info.Nickname)
}

func netAddrEqual(a, b cell.NetAddr) bool {
	return a.Type == b.Type && bytes.Equal(a.Bytes, b.Bytes)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
