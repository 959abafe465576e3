// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the loopback port the agent binds when not configured.
const DefaultPort = 53517

// Config is the agent configuration.
type Config struct {
	// Host must stay a loopback address; the agent never serves beyond the
	// local machine.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CredentialDir enumerates file-based identities when set.
	CredentialDir string `yaml:"credential-dir"`
	// BundlePassword opens PKCS#12 bundles found in CredentialDir.
	BundlePassword string `yaml:"bundle-password"`
	// Pkcs11Module is a PKCS#11 shared library path for hardware tokens.
	Pkcs11Module string `yaml:"pkcs11-module"`
	// Pkcs11Slot restricts token enumeration to a single slot when set.
	Pkcs11Slot *uint `yaml:"pkcs11-slot"`
	// SystemStore additionally enumerates the OS credential store.
	SystemStore bool `yaml:"system-store"`

	// PreferencePath overrides the default-identity preference file.
	PreferencePath string `yaml:"preference-path"`

	// StampWatermark replaces the header watermark text on sealed PDFs
	// when the request does not carry one.
	StampWatermark string `yaml:"stamp-watermark"`
	// StampFooter likewise replaces the protocol page footer note.
	StampFooter string `yaml:"stamp-footer"`

	Verbose bool `yaml:"verbose"`
}

// ConfigError reports an invalid field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        DefaultPort,
		SystemStore: true,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, rejecting any non-loopback bind.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &ConfigError{Field: "host", Message: "must not be empty"}
	}
	if c.Host != "localhost" {
		ip := net.ParseIP(c.Host)
		if ip == nil {
			return &ConfigError{Field: "host", Message: fmt.Sprintf("%q is not an IP address", c.Host)}
		}
		if !ip.IsLoopback() {
			return &ConfigError{Field: "host", Message: fmt.Sprintf("%q is not a loopback address", c.Host)}
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Message: fmt.Sprintf("%d is out of range", c.Port)}
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}
