// Package prefs persists the single default-identity preference: the
// thumbprint a UI collaborator pre-selects next time. Reads are best effort;
// a missing or broken file means no preference.
package prefs

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type preferences struct {
	Thumbprint string `yaml:"default-thumbprint"`
}

// Store reads and writes the preference file.
type Store struct {
	Path string
}

// DefaultPath places the file under the user configuration directory.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "localagent", "preferences.yaml"), nil
}

// Load returns the stored thumbprint. Any read or parse failure reports no
// preference instead of an error.
func (s *Store) Load() (string, bool) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", false
	}
	var p preferences
	if err := yaml.Unmarshal(data, &p); err != nil {
		return "", false
	}
	if p.Thumbprint == "" {
		return "", false
	}
	return p.Thumbprint, true
}

// Save writes the thumbprint, creating missing parent directories.
func (s *Store) Save(thumbprint string) error {
	data, err := yaml.Marshal(preferences{Thumbprint: thumbprint})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o600)
}
