package store

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/signdesk/localagent/errdefs"
)

// FileDirectory enumerates identities from a directory of credential files:
// PKCS#12 bundles (.p12, .pfx) and PEM pairs (<name>.crt with <name>.key).
// A PEM key encrypted with a passphrase yields an identity whose key handle
// requires a PIN, the same contract hardware tokens have.
type FileDirectory struct {
	Path string
	// BundlePassword unlocks PKCS#12 bundles at enumeration time. Bundles
	// that do not open with it are skipped.
	BundlePassword string
}

// Name implements Directory.
func (d *FileDirectory) Name() string { return "file:" + d.Path }

// List implements Directory.
func (d *FileDirectory) List(privateKeyOnly bool) ([]*Identity, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	var ids []*Identity
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(d.Path, entry.Name())
		var id *Identity
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".p12", ".pfx":
			id, err = d.loadBundle(full)
		case ".crt", ".pem":
			id, err = d.loadPemPair(full)
		default:
			continue
		}
		if err != nil || id == nil {
			continue
		}
		ids = append(ids, id)
	}
	ids = filterPrivateKey(ids, privateKeyOnly)
	sortIdentities(ids)
	return ids, nil
}

func (d *FileDirectory) loadBundle(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, cert, err := pkcs12.Decode(data, d.BundlePassword)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		signer = nil
	}
	return &Identity{Certificate: cert, Signer: signer, Source: d.Name()}, nil
}

func (d *FileDirectory) loadPemPair(certPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	keyPath := strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".key"
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		// A certificate without its key still enumerates.
		return &Identity{Certificate: cert, Source: d.Name()}, nil
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return &Identity{Certificate: cert, Source: d.Name()}, nil
	}

	if x509.IsEncryptedPEMBlock(keyBlock) {
		return &Identity{
			Certificate: cert,
			Signer:      &gatedPemKey{block: keyBlock, public: cert.PublicKey},
			Source:      d.Name(),
		}, nil
	}
	signer, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return &Identity{Certificate: cert, Source: d.Name()}, nil
	}
	return &Identity{Certificate: cert, Signer: signer, Source: d.Name()}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		}
		return nil, errors.New("unsupported PKCS#8 key type")
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key format")
}

// PinBinder is implemented by key handles whose private key is unusable until
// a PIN is presented. BindPin returns a signer ready for one signing call.
type PinBinder interface {
	BindPin(pin string) (crypto.Signer, error)
}

// gatedPemKey is an encrypted PEM private key. Signing without a PIN fails
// with ErrPinRequired; BindPin decrypts for one use.
type gatedPemKey struct {
	block  *pem.Block
	public crypto.PublicKey
}

func (k *gatedPemKey) Public() crypto.PublicKey { return k.public }

func (k *gatedPemKey) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, fmt.Errorf("%w: key is passphrase protected", errdefs.ErrPinRequired)
}

func (k *gatedPemKey) BindPin(pin string) (crypto.Signer, error) {
	der, err := x509.DecryptPEMBlock(k.block, []byte(pin))
	if err != nil {
		if errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrPinInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSigningFailed, err)
	}
	signer, err := parsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSigningFailed, err)
	}
	return signer, nil
}
