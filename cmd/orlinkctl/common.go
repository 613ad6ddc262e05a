package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/certcache"
	"github.com/go-orlink/orlink/pkg/channel"
	"github.com/go-orlink/orlink/pkg/collab"
	"github.com/go-orlink/orlink/pkg/config"
	"github.com/go-orlink/orlink/pkg/handshake"
	"github.com/go-orlink/orlink/pkg/logger"
	"github.com/go-orlink/orlink/pkg/metrics"
)

// loadPEMOrDER reads path and returns its DER bytes, decoding a PEM block if
// present so config files can carry either encoding.
func loadPEMOrDER(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		return block.Bytes, nil
	}
	return raw, nil
}

// loadIdentityKey reads an RSA private key from a PEM-encoded PKCS#1 or
// PKCS#8 file, the two encodings crypto/tls and most CA tooling emit.
func loadIdentityKey(path string) (*rsa.PrivateKey, error) {
	der, err := loadPEMOrDER(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing identity key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key %s is not RSA", path)
	}
	return key, nil
}

// buildOwnCerts assembles the CERTS-cell entries this relay presents: ID
// cert always, plus AUTH (client) or LINK (server) per pkg/handshake.Deps'
// OwnCerts contract.
func buildOwnCerts(cfg *config.Config, isClient bool) ([]cell.CertEntry, error) {
	idDER, err := loadPEMOrDER(cfg.IdentityCertFile)
	if err != nil {
		return nil, fmt.Errorf("identity cert: %w", err)
	}
	entries := []cell.CertEntry{{Type: cell.CertTypeID1024, Bytes: idDER}}

	if !isClient {
		linkPath := cfg.LinkCertFile
		if linkPath == "" {
			linkPath = cfg.TLSCertFile
		}
		linkDER, err := loadPEMOrDER(linkPath)
		if err != nil {
			return nil, fmt.Errorf("link cert: %w", err)
		}
		entries = append(entries, cell.CertEntry{Type: cell.CertTypeTLSLink, Bytes: linkDER})
		return entries, nil
	}

	authDER, err := loadPEMOrDER(cfg.AuthCertFile)
	if err != nil {
		return nil, fmt.Errorf("auth cert: %w", err)
	}
	entries = append(entries, cell.CertEntry{Type: cell.CertTypeAuth1024, Bytes: authDER})
	return entries, nil
}

// relayDeps bundles the constructed collaborators a serve/dial command
// shares: channel registry, metrics, and the handshake engine's Deps (minus
// the per-call OwnCerts/OwnIdentityDigest/OwnLinkCertDER fields, which the
// caller fills in once it knows whether it is dialing out or accepting).
type relayDeps struct {
	registry *channel.Registry
	metrics  *metrics.Metrics
	log      *logger.Logger
	chanDeps channel.Deps
	hsDeps   handshake.Deps
	identity [20]byte
}

func buildRelayDeps(cfg *config.Config, log *logger.Logger) (*relayDeps, error) {
	key, err := loadIdentityKey(cfg.IdentityKeyFile)
	if err != nil {
		return nil, err
	}
	decoder, err := certcache.New(cfg.CertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cert cache: %w", err)
	}
	idDER, err := loadPEMOrDER(cfg.IdentityCertFile)
	if err != nil {
		return nil, fmt.Errorf("identity cert: %w", err)
	}
	idCert, err := decoder.Decode(byte(cell.CertTypeID1024), idDER)
	if err != nil {
		return nil, fmt.Errorf("decoding identity cert: %w", err)
	}

	m := metrics.New()
	reg := channel.NewRegistry()

	return &relayDeps{
		registry: reg,
		metrics:  m,
		log:      log,
		identity: idCert.IDDigest(),
		chanDeps: channel.Deps{
			Rng:      collab.CryptoRng{},
			Clock:    collab.SystemClock{},
			Circuits: collab.NoopCircuitLayer{},
			Guards:   collab.AllowAllGuardManager{},
			Routers:  collab.EmptyRouterDB{},
			GeoIP:    collab.NoopGeoIP{},
			Log:      log,
		},
		hsDeps: handshake.Deps{
			CertDecoder: decoder,
			Signer:      collab.RSASigner{Key: key},
			Rng:         collab.CryptoRng{},
			Clock:       collab.SystemClock{},
			Log:         log,
			Controller:  collab.NoopController{},
			Routers:     collab.EmptyRouterDB{},
		},
	}, nil
}
