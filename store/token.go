package store

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/signdesk/localagent/errdefs"
)

// TokenDirectory enumerates identities from a PKCS#11 module, one identity
// per certificate object that has a private key with a matching CKA_ID.
type TokenDirectory struct {
	ModulePath string
	// Slot restricts enumeration to a single slot when set.
	Slot *uint

	initOnce sync.Once
	initErr  error
	ctx      *pkcs11.Ctx
}

// Name implements Directory.
func (d *TokenDirectory) Name() string { return "pkcs11:" + d.ModulePath }

func (d *TokenDirectory) init() error {
	d.initOnce.Do(func() {
		ctx := pkcs11.New(d.ModulePath)
		if ctx == nil {
			d.initErr = fmt.Errorf("%w: cannot load module %s", errdefs.ErrStoreUnavailable, d.ModulePath)
			return
		}
		if err := ctx.Initialize(); err != nil {
			d.initErr = fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
			return
		}
		d.ctx = ctx
	})
	return d.initErr
}

// Close finalizes the PKCS#11 module.
func (d *TokenDirectory) Close() {
	if d.ctx != nil {
		d.ctx.Finalize()
		d.ctx.Destroy()
		d.ctx = nil
	}
}

// List implements Directory.
func (d *TokenDirectory) List(privateKeyOnly bool) ([]*Identity, error) {
	if err := d.init(); err != nil {
		return nil, err
	}
	slots, err := d.ctx.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	var ids []*Identity
	for _, slot := range slots {
		if d.Slot != nil && slot != *d.Slot {
			continue
		}
		slotIDs, err := d.listSlot(slot)
		if err != nil {
			continue
		}
		ids = append(ids, slotIDs...)
	}
	ids = filterPrivateKey(ids, privateKeyOnly)
	sortIdentities(ids)
	return ids, nil
}

func (d *TokenDirectory) listSlot(slot uint) ([]*Identity, error) {
	session, err := d.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, err
	}
	defer d.ctx.CloseSession(session)

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}
	if err := d.ctx.FindObjectsInit(session, template); err != nil {
		return nil, err
	}
	handles, _, err := d.ctx.FindObjects(session, 64)
	d.ctx.FindObjectsFinal(session)
	if err != nil {
		return nil, err
	}

	var ids []*Identity
	for _, handle := range handles {
		attrs, err := d.ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 2 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		keyID := attrs[1].Value
		id := &Identity{Certificate: cert, Source: d.Name()}
		if d.hasPrivateKey(session, keyID) {
			id.Signer = &tokenKey{
				dir:    d,
				slot:   slot,
				keyID:  keyID,
				public: cert.PublicKey,
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *TokenDirectory) hasPrivateKey(session pkcs11.SessionHandle, keyID []byte) bool {
	handle, err := d.findPrivateKey(session, keyID)
	return err == nil && handle != 0
}

func (d *TokenDirectory) findPrivateKey(session pkcs11.SessionHandle, keyID []byte) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}
	if err := d.ctx.FindObjectsInit(session, template); err != nil {
		return 0, err
	}
	handles, _, err := d.ctx.FindObjects(session, 1)
	d.ctx.FindObjectsFinal(session)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, errors.New("private key not found")
	}
	return handles[0], nil
}

// sha256DigestInfo is the DER DigestInfo prefix PKCS#1 v1.5 signatures expect
// for SHA-256 digests.
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// tokenKey signs through the token. Without a bound PIN the token reports
// its own failure, which the signer layer classifies.
type tokenKey struct {
	dir    *TokenDirectory
	slot   uint
	keyID  []byte
	public crypto.PublicKey
	pin    string
}

func (k *tokenKey) Public() crypto.PublicKey { return k.public }

// BindPin implements PinBinder.
func (k *tokenKey) BindPin(pin string) (crypto.Signer, error) {
	bound := *k
	bound.pin = pin
	return &bound, nil
}

func (k *tokenKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("token signing supports SHA-256 only, got %v", opts.HashFunc())
	}
	ctx := k.dir.ctx
	session, err := ctx.OpenSession(k.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("opening token session: %w", err)
	}
	defer ctx.CloseSession(session)

	if k.pin != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, k.pin); err != nil {
			var pkErr pkcs11.Error
			if !errors.As(err, &pkErr) || pkErr != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				return nil, fmt.Errorf("token login: %w", err)
			}
		}
		defer ctx.Logout(session)
	}

	handle, err := k.dir.findPrivateKey(session, k.keyID)
	if err != nil {
		return nil, fmt.Errorf("locating private key: %w", err)
	}

	var mechanism uint
	var payload []byte
	switch k.public.(type) {
	case *rsa.PublicKey:
		mechanism = pkcs11.CKM_RSA_PKCS
		payload = append(append([]byte{}, sha256DigestInfo...), digest...)
	case *ecdsa.PublicKey:
		mechanism = pkcs11.CKM_ECDSA
		payload = digest
	default:
		return nil, fmt.Errorf("unsupported token key type %T", k.public)
	}

	if err := ctx.SignInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, handle); err != nil {
		return nil, fmt.Errorf("token sign init: %w", err)
	}
	raw, err := ctx.Sign(session, payload)
	if err != nil {
		return nil, fmt.Errorf("token sign: %w", err)
	}
	if _, ok := k.public.(*ecdsa.PublicKey); ok {
		return ecdsaRawToASN1(raw)
	}
	return raw, nil
}

// ecdsaRawToASN1 converts the token's fixed-width r||s output into the DER
// sequence Go verification expects.
func ecdsaRawToASN1(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd ECDSA signature length %d", len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}
