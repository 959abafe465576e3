package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/pkcs11"

	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/sign/cms"
	"github.com/signdesk/localagent/store"
)

func testIdentity(t *testing.T) *store.Identity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "Signer Test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return &store.Identity{Certificate: cert, Signer: key, Source: "test"}
}

func TestSignDetached(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC))
	s := NewWithClock(clock)
	id := testIdentity(t)
	content := []byte("document body")

	res, err := s.Sign(context.Background(), content, id, true, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if res.Serial != "99" {
		t.Errorf("serial = %q", res.Serial)
	}
	if !res.SignedAt.Equal(clock.Now()) {
		t.Errorf("signedAt = %v", res.SignedAt)
	}

	sd, err := cms.Parse(res.Signature)
	if err != nil {
		t.Fatalf("parse container: %v", err)
	}
	if sd.Content != nil {
		t.Error("detached result must not encapsulate content")
	}
	if err := sd.Verify(content); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestSignAttached(t *testing.T) {
	s := New()
	id := testIdentity(t)
	res, err := s.Sign(context.Background(), []byte("inline"), id, false, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sd, err := cms.Parse(res.Signature)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(sd.Content) != "inline" {
		t.Errorf("content = %q", sd.Content)
	}
}

func TestSignWithoutPrivateKey(t *testing.T) {
	id := testIdentity(t)
	id.Signer = nil
	_, err := New().Sign(context.Background(), []byte("x"), id, true, "")
	if !errors.Is(err, errdefs.ErrSigningFailed) {
		t.Errorf("got %v, want ErrSigningFailed", err)
	}
}

func TestSignPinOnUnbindableKey(t *testing.T) {
	id := testIdentity(t) // plain RSA key, no PinBinder
	_, err := New().Sign(context.Background(), []byte("x"), id, true, "1234")
	if !errors.Is(err, errdefs.ErrPinConfiguration) {
		t.Errorf("got %v, want ErrPinConfiguration", err)
	}
}

func TestSignCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Sign(ctx, []byte("x"), testIdentity(t), true, "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		pinSupplied bool
		want        error
	}{
		{"nil", nil, false, nil},
		{"pkcs11 not logged in", pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN), false, errdefs.ErrPinRequired},
		{"pkcs11 cancelled prompt", pkcs11.Error(pkcs11.CKR_FUNCTION_CANCELED), false, errdefs.ErrPinRequired},
		{"pkcs11 wrong pin", pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), true, errdefs.ErrPinInvalid},
		{"pkcs11 locked pin", pkcs11.Error(pkcs11.CKR_PIN_LOCKED), true, errdefs.ErrPinInvalid},
		{"pkcs11 pin code before pin offered", pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), false, errdefs.ErrPinRequired},
		{"wrapped pkcs11 code", fmt.Errorf("token sign: %w", pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)), false, errdefs.ErrPinRequired},
		{"substring pin", errors.New("provider: PIN entry dismissed"), false, errdefs.ErrPinRequired},
		{"substring localized", errors.New("SENHA incorreta"), true, errdefs.ErrPinInvalid},
		{"substring password", errors.New("bad Password for keyset"), false, errdefs.ErrPinRequired},
		{"unrelated", errors.New("device removed"), true, errdefs.ErrSigningFailed},
		{"already classified", fmt.Errorf("%w: x", errdefs.ErrPinInvalid), false, errdefs.ErrPinInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.pinSupplied)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignTwiceSameContent(t *testing.T) {
	// A request may sign identical content twice: first without a PIN,
	// then with one after a PinRequired round trip.
	s := New()
	id := testIdentity(t)
	content := []byte("same bytes")
	first, err := s.Sign(context.Background(), content, id, true, "")
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}
	second, err := s.Sign(context.Background(), content, id, true, "")
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	for i, sig := range [][]byte{first.Signature, second.Signature} {
		sd, err := cms.Parse(sig)
		if err != nil {
			t.Fatalf("parse %d: %v", i, err)
		}
		if err := sd.Verify(content); err != nil {
			t.Errorf("verify %d: %v", i, err)
		}
	}
}
