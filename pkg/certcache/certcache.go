// Package certcache provides a caching collab.CertDecoder backed by standard
// X.509 parsing. Long-lived channels to the same peer re-send the same CERTS
// cell on every reconnect; this package avoids re-parsing and re-validating
// the same certificate bytes by keying a bounded LRU cache on their SHA-256
// digest, the way kryptco-kr's signing-key cache bounds its own parsed-key
// store.
package certcache

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - Tor's legacy identity digest is SHA-1 of the key.
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-orlink/orlink/pkg/collab"
)

// DefaultSize bounds the number of distinct decoded certificates retained.
// A relay with many concurrent peers churns through CERTS cells faster than
// one with few, but a few thousand decoded certs is cheap to hold onto and
// comfortably covers any realistic peer count.
const DefaultSize = 4096

// Decoder implements collab.CertDecoder over raw X.509 bytes, caching
// decoded results by digest of the input so repeat CERTS cells from the same
// peer skip re-parsing and re-hashing.
type Decoder struct {
	cache *lru.Cache
}

// New creates a Decoder with the given cache size. size <= 0 uses
// DefaultSize.
func New(size int) (*Decoder, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("certcache: %w", err)
	}
	return &Decoder{cache: c}, nil
}

// Decode parses raw as an X.509 certificate and returns a collab.Cert view
// of it. certType is recorded only for error messages; this decoder treats
// every CERTS-cell entry (TLS-link, RSA identity, RSA authentication) as a
// plain X.509 certificate, which is how all three are encoded on the wire.
func (d *Decoder) Decode(certType byte, raw []byte) (collab.Cert, error) {
	key := sha256.Sum256(raw)
	if v, ok := d.cache.Get(key); ok {
		return v.(*x509Cert), nil
	}

	parsed, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("certcache: decode cert type %d: %w", certType, err)
	}
	spki, err := x509.MarshalPKIXPublicKey(parsed.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("certcache: unsupported key in cert type %d: %w", certType, err)
	}
	c := &x509Cert{cert: parsed, raw: raw, spki: spki}
	d.cache.Add(key, c)
	return c, nil
}

// x509Cert adapts a parsed *x509.Certificate to collab.Cert.
type x509Cert struct {
	cert *x509.Certificate
	raw  []byte
	spki []byte
}

func (c *x509Cert) IsValid(now time.Time) bool {
	return !now.Before(c.cert.NotBefore) && !now.After(c.cert.NotAfter)
}

// GetKey returns the DER-encoded SubjectPublicKeyInfo this certificate
// attests to.
func (c *x509Cert) GetKey() []byte {
	return c.spki
}

// MatchesKey reports whether key names the same public key as this
// certificate. key may be either a raw SPKI DER blob (as returned by
// GetKey) or the full DER of an X.509 certificate (as returned by
// collab.TlsLink.PeerCertDER) — the link cert is checked against the live
// TLS leaf certificate, not against another decoded cert's SPKI.
func (c *x509Cert) MatchesKey(key []byte) bool {
	if bytes.Equal(key, c.spki) {
		return true
	}
	if other, err := x509.ParseCertificate(key); err == nil {
		if spki, err := x509.MarshalPKIXPublicKey(other.PublicKey); err == nil {
			return bytes.Equal(spki, c.spki)
		}
	}
	return false
}

// IDDigest returns the SHA-1 digest of this certificate's SPKI, matching the
// Tor convention that a relay's identity fingerprint is the hash of its
// identity public key.
func (c *x509Cert) IDDigest() [20]byte {
	var d [20]byte
	sum := sha1.Sum(c.spki) // #nosec G401
	copy(d[:], sum[:])
	return d
}

// SignedBy reports whether this certificate's signature verifies under key
// (an SPKI DER blob or a full certificate DER, as in MatchesKey). Only RSA
// keys are supported, matching the RSA1024/TLSLink certificate types this
// decoder is used for.
func (c *x509Cert) SignedBy(key []byte) bool {
	pub, err := parseRSAKey(key)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256(c.cert.RawTBSCertificate)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], c.cert.Signature) == nil
}

func parseRSAKey(key []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(key); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("certcache: key is not RSA")
	}
	if cert, err := x509.ParseCertificate(key); err == nil {
		if rsaPub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("certcache: certificate key is not RSA")
	}
	return nil, fmt.Errorf("certcache: key is neither SPKI DER nor a certificate")
}
