package prefs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "preferences.yaml")
	s := &Store{Path: path}
	if err := s.Save("abcdef0123456789"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := s.Load()
	if !ok || got != "abcdef0123456789" {
		t.Errorf("load = %q, %t", got, ok)
	}

	if err := s.Save("ffff"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Load(); got != "ffff" {
		t.Errorf("after overwrite = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := &Store{Path: filepath.Join(t.TempDir(), "absent.yaml")}
	if got, ok := s.Load(); ok || got != "" {
		t.Errorf("load = %q, %t; want no preference", got, ok)
	}
}

func TestLoadBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("{:::not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := &Store{Path: path}
	if _, ok := s.Load(); ok {
		t.Error("broken file must report no preference")
	}
}

func TestLoadEmptyThumbprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("default-thumbprint: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := &Store{Path: path}
	if _, ok := s.Load(); ok {
		t.Error("empty thumbprint must report no preference")
	}
}
