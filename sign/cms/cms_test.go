package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"
)

func selfSigned(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Unit Test Signer", Organization: []string{"ACME"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

func rsaSigner(t *testing.T) (crypto.Signer, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key, selfSigned(t, key)
}

func TestDetachedSignAndVerify(t *testing.T) {
	key, cert := rsaSigner(t)
	content := []byte("payload under signature")
	b := &Builder{
		Certificate: cert,
		Key:         key,
		SigningTime: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Detached:    true,
	}
	der, err := b.Sign(content)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sd.Content != nil {
		t.Error("detached container must not carry content")
	}
	if err := sd.Verify(content); err != nil {
		t.Errorf("verify: %v", err)
	}

	signer, err := sd.SignerCertificate()
	if err != nil {
		t.Fatalf("signer certificate: %v", err)
	}
	if signer.Subject.CommonName != "Unit Test Signer" {
		t.Errorf("signer CN = %q", signer.Subject.CommonName)
	}

	when, err := sd.SigningTime()
	if err != nil {
		t.Fatalf("signing time: %v", err)
	}
	if !when.Equal(b.SigningTime) {
		t.Errorf("signing time = %v, want %v", when, b.SigningTime)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	key, cert := rsaSigner(t)
	b := &Builder{Certificate: cert, Key: key, Detached: true}
	der, err := b.Sign([]byte("original"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := sd.Verify([]byte("tampered")); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("verify tampered = %v, want ErrDigestMismatch", err)
	}
}

func TestAttachedContainerCarriesContent(t *testing.T) {
	key, cert := rsaSigner(t)
	content := []byte("attached body")
	b := &Builder{Certificate: cert, Key: key}
	der, err := b.Sign(content)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(sd.Content) != string(content) {
		t.Errorf("content = %q", sd.Content)
	}
	// nil content means verify against the encapsulated bytes.
	if err := sd.Verify(nil); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestECDSASignAndVerify(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cert := selfSigned(t, key)
	b := &Builder{Certificate: cert, Key: key, Detached: true}
	der, err := b.Sign([]byte("ec payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := sd.Verify([]byte("ec payload")); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte{0x30, 0x03, 0x02, 0x01, 0x01}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestChainIsIncluded(t *testing.T) {
	key, cert := rsaSigner(t)
	otherKey, otherCert := rsaSigner(t)
	_ = otherKey
	b := &Builder{Certificate: cert, Chain: []*x509.Certificate{otherCert}, Key: key, Detached: true}
	der, err := b.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sd.Certificates) != 2 {
		t.Errorf("certificate count = %d", len(sd.Certificates))
	}
}
