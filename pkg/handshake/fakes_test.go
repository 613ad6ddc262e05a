package handshake

import (
	"sync"
	"time"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/collab"
)

type fakeLink struct {
	mu         sync.Mutex
	fixed      []*cell.Cell
	varCells   []*cell.Cell
	session    []byte
	peerCert   []byte
	subState   collab.LinkSubState
	closedWhy  string
	wasClosed  bool
	failWrites bool
}

func (f *fakeLink) WriteCell(c *cell.Cell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWrite
	}
	f.fixed = append(f.fixed, c)
	return nil
}

func (f *fakeLink) WriteVarCell(c *cell.Cell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWrite
	}
	f.varCells = append(f.varCells, c)
	return nil
}

func (f *fakeLink) SessionKey() []byte    { return f.session }
func (f *fakeLink) PeerCertDER() []byte   { return f.peerCert }
func (f *fakeLink) SubState() collab.LinkSubState { return f.subState }
func (f *fakeLink) MarkForClose(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wasClosed = true
	f.closedWhy = reason
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

var errWrite = &fakeErr{"fake link: write failed"}

type fakeCert struct {
	valid    bool
	key      []byte
	idDigest [20]byte
	matches  []byte // key this cert matches, for MatchesKey
	signedBy []byte // key this cert was (correctly) signed by
}

func (c *fakeCert) IsValid(time.Time) bool { return c.valid }
func (c *fakeCert) MatchesKey(key []byte) bool {
	return string(key) == string(c.matches)
}
func (c *fakeCert) GetKey() []byte       { return c.key }
func (c *fakeCert) IDDigest() [20]byte   { return c.idDigest }
func (c *fakeCert) SignedBy(key []byte) bool {
	return string(key) == string(c.signedBy)
}

type fakeCertDecoder struct {
	byType map[byte]*fakeCert
}

func (d *fakeCertDecoder) Decode(certType byte, raw []byte) (collab.Cert, error) {
	c, ok := d.byType[certType]
	if !ok {
		return nil, &fakeErr{"no fake cert configured for type"}
	}
	return c, nil
}

type fakeSigner struct {
	sig    []byte
	verify bool
}

func (s *fakeSigner) Sign(digest []byte) ([]byte, error) { return s.sig, nil }
func (s *fakeSigner) Verify(publicKey, digest, signature []byte) bool {
	return s.verify
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time        { return c.now }
func (c fakeClock) ApproxTime() time.Time { return c.now }

type fakeRng struct{}

func (fakeRng) Bytes(n int) ([]byte, error) { return make([]byte, n), nil }
func (fakeRng) Uint16n(bound uint16) (uint16, error) { return 0, nil }

type fakeLog struct {
	mu    sync.Mutex
	warns []string
	infos []string
}

func (l *fakeLog) Debug(string, ...any) {}
func (l *fakeLog) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}
func (l *fakeLog) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *fakeLog) Error(string, ...any) {}

type fakeController struct {
	mu          sync.Mutex
	skewEvents  int
}

func (c *fakeController) EmitClockSkew([20]byte, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skewEvents++
}

type fakeRouterDB struct {
	known   bool
	trusted bool
	info    collab.RouterInfo
}

func (r *fakeRouterDB) ByIDDigest([20]byte) (collab.RouterInfo, bool) { return r.info, r.known }
func (r *fakeRouterDB) IsTrustedDir([20]byte) bool                    { return r.trusted }
func (r *fakeRouterDB) MarkReachable([20]byte)                        {}
