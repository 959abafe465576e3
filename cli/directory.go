package cli

import (
	"flag"
	"fmt"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/prefs"
	"github.com/signdesk/localagent/store"
)

// storeFlags are the configuration knobs shared by every command that
// opens credential stores. Flag values override the config file.
type storeFlags struct {
	configPath    string
	credentialDir string
	pkcs11Module  string
	systemStore   bool
	verbose       bool
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&f.credentialDir, "credential-dir", "", "Directory with PEM pairs and PKCS#12 bundles")
	fs.StringVar(&f.pkcs11Module, "pkcs11-module", "", "PKCS#11 shared library for hardware tokens")
	fs.BoolVar(&f.systemStore, "system-store", true, "Also enumerate the OS credential store")
	fs.BoolVar(&f.verbose, "verbose", false, "Log to stderr as well as the log file")
}

// loadConfig merges the config file (if any) with the flag overrides.
func (f *storeFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.credentialDir != "" {
		cfg.CredentialDir = f.credentialDir
	}
	if f.pkcs11Module != "" {
		cfg.Pkcs11Module = f.pkcs11Module
	}
	if !f.systemStore {
		cfg.SystemStore = false
	}
	if f.verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// buildDirectory assembles the credential sources the configuration names.
// The returned cleanup releases PKCS#11 sessions and must run before exit.
func buildDirectory(cfg *config.Config) (store.Directory, func(), error) {
	multi := &store.Multi{}
	cleanup := func() {}
	if cfg.CredentialDir != "" {
		multi.Directories = append(multi.Directories, &store.FileDirectory{
			Path:           cfg.CredentialDir,
			BundlePassword: cfg.BundlePassword,
		})
	}
	if cfg.Pkcs11Module != "" {
		token := &store.TokenDirectory{ModulePath: cfg.Pkcs11Module, Slot: cfg.Pkcs11Slot}
		multi.Directories = append(multi.Directories, token)
		cleanup = token.Close
	}
	if cfg.SystemStore {
		multi.Directories = append(multi.Directories, &store.SystemDirectory{})
	}
	if len(multi.Directories) == 0 {
		return nil, nil, fmt.Errorf("%w: no credential sources configured", errdefs.ErrStoreUnavailable)
	}
	return multi, cleanup, nil
}

// preferenceStore resolves the preference file location from the config.
func preferenceStore(cfg *config.Config) *prefs.Store {
	path := cfg.PreferencePath
	if path == "" {
		if p, err := prefs.DefaultPath(); err == nil {
			path = p
		}
	}
	return &prefs.Store{Path: path}
}

// selectIdentity picks one identity: explicit thumbprint first, then a
// numeric index, then the remembered default, then a lone identity.
func selectIdentity(identities []*store.Identity, thumbprint string, index int, p *prefs.Store) (*store.Identity, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: no signing identities found", errdefs.ErrCertificateNotSelected)
	}
	if thumbprint != "" {
		for _, id := range identities {
			if id.MatchesThumbprint(thumbprint) {
				return id, nil
			}
		}
		return nil, fmt.Errorf("%w: no identity with thumbprint %q", errdefs.ErrCertificateNotSelected, thumbprint)
	}
	if index >= 0 {
		if index >= len(identities) {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", errdefs.ErrCertificateNotSelected, index, len(identities))
		}
		return identities[index], nil
	}
	if remembered, ok := p.Load(); ok {
		for _, id := range identities {
			if id.MatchesThumbprint(remembered) {
				return id, nil
			}
		}
	}
	if len(identities) == 1 {
		return identities[0], nil
	}
	return nil, fmt.Errorf("%w: %d identities available, pick one with -thumbprint or -index", errdefs.ErrCertificateNotSelected, len(identities))
}
