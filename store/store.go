// Package store enumerates signing identities: certificates paired with a
// private key handle, read from a credential source. Sources are read-only
// and safe for concurrent use; an identity is valid for the enumeration call
// that produced it.
package store

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/signdesk/localagent/errdefs"
)

// Identity is one enumerated signing identity.
type Identity struct {
	Certificate *x509.Certificate
	// Signer is the private key handle, nil when the source exposes the
	// certificate without its key.
	Signer crypto.Signer
	// Source names the directory that produced the identity.
	Source string
}

// Subject returns the certificate subject as a display string.
func (id *Identity) Subject() string { return id.Certificate.Subject.String() }

// Issuer returns the certificate issuer as a display string.
func (id *Identity) Issuer() string { return id.Certificate.Issuer.String() }

// Serial returns the certificate serial number.
func (id *Identity) Serial() *big.Int { return id.Certificate.SerialNumber }

// NotAfter returns the certificate expiry.
func (id *Identity) NotAfter() time.Time { return id.Certificate.NotAfter }

// HasPrivateKey reports whether the identity can sign.
func (id *Identity) HasPrivateKey() bool { return id.Signer != nil }

// Thumbprint returns the SHA-1 digest of the certificate, lowercase hex.
func (id *Identity) Thumbprint() string {
	sum := sha1.Sum(id.Certificate.Raw)
	return hex.EncodeToString(sum[:])
}

// MatchesThumbprint compares against a caller-supplied thumbprint with
// whitespace stripped and case folded.
func (id *Identity) MatchesThumbprint(thumbprint string) bool {
	return NormalizeThumbprint(thumbprint) == id.Thumbprint()
}

// NormalizeThumbprint strips separators and whitespace and lowercases, the
// form thumbprints are compared in.
func NormalizeThumbprint(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Directory is a source of signing identities.
type Directory interface {
	// List enumerates identities sorted descending by certificate expiry.
	// With privateKeyOnly set, identities without a usable key handle are
	// filtered out. Returns errdefs.ErrStoreUnavailable when the source
	// cannot be opened.
	List(privateKeyOnly bool) ([]*Identity, error)
	// Name identifies the directory in identity sources and logs.
	Name() string
}

// sortIdentities orders identities descending by NotAfter, the order callers
// index into.
func sortIdentities(ids []*Identity) {
	sort.SliceStable(ids, func(i, j int) bool {
		return ids[i].NotAfter().After(ids[j].NotAfter())
	})
}

func filterPrivateKey(ids []*Identity, privateKeyOnly bool) []*Identity {
	if !privateKeyOnly {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if id.HasPrivateKey() {
			out = append(out, id)
		}
	}
	return out
}

// Multi fans one List call out over several directories. A directory failing
// with ErrStoreUnavailable is skipped so one broken source does not hide the
// others; the error propagates only when every source fails.
type Multi struct {
	Directories []Directory
}

// Name implements Directory.
func (m *Multi) Name() string { return "multi" }

// List implements Directory.
func (m *Multi) List(privateKeyOnly bool) ([]*Identity, error) {
	var all []*Identity
	var firstErr error
	failures := 0
	for _, dir := range m.Directories {
		ids, err := dir.List(privateKeyOnly)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", dir.Name(), err)
			}
			continue
		}
		all = append(all, ids...)
	}
	if len(m.Directories) > 0 && failures == len(m.Directories) {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, errdefs.ErrStoreUnavailable
	}
	sortIdentities(all)
	return all, nil
}
