package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	oldwd, _ := os.Getwd()
	defer os.Chdir(oldwd)
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9001" {
		t.Errorf("ListenAddress = %q, want 0.0.0.0:9001", cfg.ListenAddress)
	}
	if len(cfg.SupportedLinkProtocols) == 0 {
		t.Error("expected default link protocols")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "orlink.yaml")
	content := []byte("listen_address: 127.0.0.1:9999\nlog_level: debug\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9999" {
		t.Errorf("ListenAddress = %q, want 127.0.0.1:9999", cfg.ListenAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	tmp := t.TempDir()
	oldwd, _ := os.Getwd()
	defer os.Chdir(oldwd)
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}

	os.Setenv("ORLINK_LISTEN_ADDRESS", "10.0.0.1:9001")
	defer os.Unsetenv("ORLINK_LISTEN_ADDRESS")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "10.0.0.1:9001" {
		t.Errorf("ListenAddress = %q, want 10.0.0.1:9001 (env override)", cfg.ListenAddress)
	}
}

func TestValidateRejectsEmptyListenAddress(t *testing.T) {
	cfg := &Config{
		ListenAddress:          "",
		DialTimeout:            1,
		SupportedLinkProtocols: []uint16{3},
		CertCacheSize:          1,
		LogLevel:               "info",
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty listen address")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{
		ListenAddress:          "127.0.0.1:9001",
		DialTimeout:            1,
		SupportedLinkProtocols: []uint16{3},
		CertCacheSize:          1,
		LogLevel:               "verbose",
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}
