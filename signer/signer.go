// Package signer produces CMS signatures for enumerated identities and
// classifies provider failures into the PIN taxonomy callers retry on.
package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/sign/cms"
	"github.com/signdesk/localagent/store"
)

// Result carries one produced signature with the signer coordinates callers
// echo back to their own verifiers.
type Result struct {
	Signature []byte
	Subject   string
	Issuer    string
	Serial    string
	SignedAt  time.Time
}

// Signer computes CMS SignedData containers. The zero value is not usable;
// construct with New.
type Signer struct {
	clock clockwork.Clock
}

// New builds a Signer on the real clock.
func New() *Signer { return NewWithClock(clockwork.NewRealClock()) }

// NewWithClock builds a Signer with an injected clock.
func NewWithClock(clock clockwork.Clock) *Signer { return &Signer{clock: clock} }

// Sign computes a CMS signature over content for the identity. With detached
// set, the content is not encapsulated in the container. A non-empty pin is
// bound to the private key handle for this one call and never retained; the
// same content may be signed twice, once without a PIN and once with.
func (s *Signer) Sign(ctx context.Context, content []byte, id *store.Identity, detached bool, pin string) (*Result, error) {
	if id == nil || !id.HasPrivateKey() {
		return nil, fmt.Errorf("%w: identity has no private key", errdefs.ErrSigningFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := id.Signer
	if pin != "" {
		binder, ok := key.(store.PinBinder)
		if !ok {
			return nil, fmt.Errorf("%w: key handle %T accepts no PIN", errdefs.ErrPinConfiguration, key)
		}
		bound, err := binder.BindPin(pin)
		if err != nil {
			return nil, Classify(err, true)
		}
		key = bound
	}

	signedAt := s.clock.Now()
	builder := &cms.Builder{
		Certificate: id.Certificate,
		Key:         key,
		SigningTime: signedAt,
		Detached:    detached,
	}
	signature, err := builder.Sign(content)
	if err != nil {
		return nil, Classify(err, pin != "")
	}
	return &Result{
		Signature: signature,
		Subject:   id.Subject(),
		Issuer:    id.Issuer(),
		Serial:    id.Serial().String(),
		SignedAt:  signedAt,
	}, nil
}
