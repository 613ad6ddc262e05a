// Package config loads the relay's channel-layer configuration: which
// address to listen on, the TLS identity to present, which link protocol
// versions to negotiate, and where the status HTTP surface binds. Layered
// with github.com/spf13/viper the way a cobra-driven CLI typically composes
// it: built-in defaults, then an optional YAML file, then ORLINK_-prefixed
// environment variables, each overriding the last.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything needed to construct a relay's channel listener
// and its supporting collaborators.
type Config struct {
	// ListenAddress is the address the relay accepts inbound OR
	// connections on (host:port).
	ListenAddress string `mapstructure:"listen_address"`

	// DialTimeout bounds outbound Dial attempts to other relays.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// TLSCertFile and TLSKeyFile locate the link certificate chain and
	// private key presented during the TLS handshake.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// IdentityKeyFile locates the PEM-encoded RSA identity key used to
	// sign and verify CERTS/AUTHENTICATE material (collab.RSASigner).
	IdentityKeyFile string `mapstructure:"identity_key_file"`

	// IdentityCertFile locates the PEM-encoded self-signed ID1024
	// certificate for IdentityKeyFile, presented in every CERTS cell.
	IdentityCertFile string `mapstructure:"identity_cert_file"`

	// LinkCertFile locates the PEM-encoded TLS_LINK certificate a server
	// presents alongside its ID cert, binding the identity key to the
	// TLS leaf certificate in TLSCertFile. Clients do not use this field.
	LinkCertFile string `mapstructure:"link_cert_file"`

	// AuthCertFile locates the PEM-encoded AUTH1024 certificate a client
	// presents alongside its ID cert. Servers do not use this field.
	AuthCertFile string `mapstructure:"auth_cert_file"`

	// IsPublicServer marks this relay as reachable, which the handshake
	// engine uses to decide whether it must present AUTH certificates.
	IsPublicServer bool `mapstructure:"is_public_server"`

	// SupportedLinkProtocols lists the link protocol versions advertised
	// in VERSIONS cells, highest preferred first.
	SupportedLinkProtocols []uint16 `mapstructure:"supported_link_protocols"`

	// CertCacheSize bounds the certcache.Decoder's LRU of decoded
	// certificates.
	CertCacheSize int `mapstructure:"cert_cache_size"`

	// StatusAddress is the bind address for the read-only HTTP status
	// surface (pkg/statusserver). Empty disables it.
	StatusAddress string `mapstructure:"status_address"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// setDefaults installs the built-in defaults onto v, the first and weakest
// layer in viper's precedence order.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", "0.0.0.0:9001")
	v.SetDefault("dial_timeout", 30*time.Second)
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("identity_key_file", "")
	v.SetDefault("identity_cert_file", "")
	v.SetDefault("link_cert_file", "")
	v.SetDefault("auth_cert_file", "")
	v.SetDefault("is_public_server", true)
	v.SetDefault("supported_link_protocols", []uint16{3, 4, 5})
	v.SetDefault("cert_cache_size", 4096)
	v.SetDefault("status_address", "127.0.0.1:9101")
	v.SetDefault("log_level", "info")
}

// Load builds a Config from, in increasing precedence: built-in defaults,
// the YAML file at path (skipped if path is empty and no default file is
// found), and ORLINK_-prefixed environment variables (e.g.
// ORLINK_LISTEN_ADDRESS overrides listen_address).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("orlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/orlink")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading default config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address must not be empty")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial_timeout must be positive")
	}
	if len(c.SupportedLinkProtocols) == 0 {
		return fmt.Errorf("config: supported_link_protocols must not be empty")
	}
	if c.CertCacheSize <= 0 {
		return fmt.Errorf("config: cert_cache_size must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}
