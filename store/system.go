//go:build darwin || windows

package store

import (
	"fmt"

	"github.com/github/smimesign/certstore"

	"github.com/signdesk/localagent/errdefs"
)

// SystemDirectory enumerates identities from the operating system credential
// store (Keychain on macOS, CNG/CAPI on Windows).
type SystemDirectory struct{}

// Name implements Directory.
func (d *SystemDirectory) Name() string { return "system" }

// List implements Directory.
func (d *SystemDirectory) List(privateKeyOnly bool) ([]*Identity, error) {
	st, err := certstore.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	defer st.Close()

	entries, err := st.Identities()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	var ids []*Identity
	for _, entry := range entries {
		cert, err := entry.Certificate()
		if err != nil {
			entry.Close()
			continue
		}
		id := &Identity{Certificate: cert, Source: d.Name()}
		if signer, err := entry.Signer(); err == nil {
			id.Signer = signer
		}
		ids = append(ids, id)
	}
	ids = filterPrivateKey(ids, privateKeyOnly)
	sortIdentities(ids)
	return ids, nil
}
