package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:53517" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		host  string
		port  int
		valid bool
	}{
		{"ipv4 loopback", "127.0.0.1", 8080, true},
		{"ipv6 loopback", "::1", 8080, true},
		{"localhost", "localhost", 8080, true},
		{"public address", "0.0.0.0", 8080, false},
		{"lan address", "192.168.1.4", 8080, false},
		{"hostname", "example.com", 8080, false},
		{"empty host", "", 8080, false},
		{"port zero", "127.0.0.1", 0, false},
		{"port too high", "127.0.0.1", 70000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Host: tt.host, Port: tt.port}
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := "host: 127.0.0.1\nport: 9000\ncredential-dir: /tmp/creds\nverbose: true\n" +
		"pkcs11-slot: 3\nstamp-watermark: Assinado eletronicamente\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.CredentialDir != "/tmp/creds" || !cfg.Verbose {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Pkcs11Slot == nil || *cfg.Pkcs11Slot != 3 {
		t.Errorf("pkcs11-slot = %v", cfg.Pkcs11Slot)
	}
	if cfg.StampWatermark != "Assinado eletronicamente" {
		t.Errorf("stamp-watermark = %q", cfg.StampWatermark)
	}
	// Unset fields keep their defaults.
	if !cfg.SystemStore {
		t.Error("system-store default lost")
	}
}

func TestLoadRejectsNonLoopback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("host: 10.0.0.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected loopback validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
