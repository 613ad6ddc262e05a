package collab

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// SystemClock is a Clock backed by the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// ApproxTime returns the current time. The core only needs ApproxTime for
// coarse skew bookkeeping, so a cached clock is not required here.
func (SystemClock) ApproxTime() time.Time { return time.Now() }

// CryptoRng is an Rng backed by crypto/rand.
type CryptoRng struct{}

// Bytes returns n cryptographically random bytes.
func (CryptoRng) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rng: %w", err)
	}
	return b, nil
}

// Uint16n returns a uniform value in [0, bound) using rejection sampling.
func (CryptoRng) Uint16n(bound uint16) (uint16, error) {
	if bound == 0 {
		return 0, fmt.Errorf("rng: bound must be positive")
	}
	// Largest multiple of bound that fits in uint16 space, for unbiased sampling.
	limit := uint32(0x10000) - uint32(0x10000)%uint32(bound)
	for {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("rng: %w", err)
		}
		v := uint32(binary.BigEndian.Uint16(buf[:]))
		if v < limit {
			return uint16(v % uint32(bound)), nil
		}
	}
}

// SHA256Digest is a DigestStream that accumulates bytes into a running
// SHA-256 hash, used to cover the v3 handshake cells for AUTHENTICATE
// signing (§3, §4.8).
type SHA256Digest struct {
	mu   sync.Mutex
	hash [32]byte
	buf  []byte
	init bool
}

// NewSHA256Digest creates an empty running digest.
func NewSHA256Digest() *SHA256Digest {
	return &SHA256Digest{}
}

// Append feeds p into the running digest.
func (d *SHA256Digest) Append(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	d.buf = append(d.buf, cp...)
}

// Sum finalizes and returns the SHA-256 digest of everything appended so far.
// Sum does not reset the accumulator: the running digest keeps growing as
// later cells are observed, matching the "running digest of all post-VERSIONS
// handshake bytes" semantics in spec.md §3.
func (d *SHA256Digest) Sum() [32]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sha256.Sum256(d.buf)
}

// NoopCircuitLayer is a CircuitLayer that does nothing; useful for tests and
// for relays that have not yet wired a real circuit multiplexer.
type NoopCircuitLayer struct{}

func (NoopCircuitLayer) UnlinkAllFromChannel(uint64, CloseReason) {}
func (NoopCircuitLayer) NChanDone(uint64, bool)                   {}
func (NoopCircuitLayer) NotifyOpen(uint64)                        {}

// AllowAllGuardManager is a GuardManager that accepts every peer.
type AllowAllGuardManager struct{}

func (AllowAllGuardManager) RegisterConnectStatus([20]byte, bool) error { return nil }

// EmptyRouterDB is a RouterDB with no knowledge of any router.
type EmptyRouterDB struct{}

func (EmptyRouterDB) ByIDDigest([20]byte) (RouterInfo, bool) { return RouterInfo{}, false }
func (EmptyRouterDB) IsTrustedDir([20]byte) bool             { return false }
func (EmptyRouterDB) MarkReachable([20]byte)                 {}

// NoopLog is a Log that discards everything.
type NoopLog struct{}

func (NoopLog) Debug(string, ...any) {}
func (NoopLog) Info(string, ...any)  {}
func (NoopLog) Warn(string, ...any)  {}
func (NoopLog) Error(string, ...any) {}

// NoopGeoIP is a GeoIP that discards sightings.
type NoopGeoIP struct{}

func (NoopGeoIP) NoteClientSeen([20]byte, string, time.Time) {}

// NoopController is a Controller that discards events.
type NoopController struct{}

func (NoopController) EmitClockSkew([20]byte, int64, bool) {}

// RSASigner is a Signer backed by an RSA-PKCS1v15-SHA256 authentication key,
// the signature scheme spec.md §6.5 names for AuthMethodRSASHA256TLSSecret.
type RSASigner struct {
	Key *rsa.PrivateKey
}

// Sign signs digest (expected to already be a SHA-256 sum) with the
// configured key.
func (s RSASigner) Sign(digest []byte) ([]byte, error) {
	if s.Key == nil {
		return nil, fmt.Errorf("rsasigner: no private key configured")
	}
	var sum [32]byte
	copy(sum[:], digest)
	return rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, sum[:])
}

// Verify checks sig against digest under publicKey, which must be the DER
// encoding of an RSA public key (PKIX).
func (s RSASigner) Verify(publicKey, digest, signature []byte) bool {
	pub, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	var sum [32]byte
	copy(sum[:], digest)
	return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, sum[:], signature) == nil
}
