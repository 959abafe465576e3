// Package host exposes the signing agent over a loopback HTTP surface. It
// owns the certificate and PIN resolution policy and the per-request retry
// state machine around PIN-gated keys.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/logger"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/sign/pdfseal"
	"github.com/signdesk/localagent/signer"
	"github.com/signdesk/localagent/store"
)

// State is the host lifecycle state.
type State int

const (
	NotStarted State = iota
	Starting
	Listening
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CertResolver lets an external collaborator pick an identity before the
// built-in policy runs. Returning nil passes to the next resolver.
type CertResolver func(ctx context.Context, identities []*store.Identity) (*store.Identity, error)

// PinResolver supplies a PIN on request. An empty string passes to the next
// resolver.
type PinResolver func(ctx context.Context) (string, error)

// Host is the loopback signing service.
type Host struct {
	cfg       *config.Config
	directory store.Directory
	signer    *signer.Signer
	engine    *pdfseal.Engine
	version   string

	mu            sync.Mutex
	state         State
	server        *http.Server
	listener      net.Listener
	serveDone     chan struct{}
	certResolvers []CertResolver
	pinResolvers  []PinResolver
}

// New assembles a host over the given identity directory.
func New(cfg *config.Config, dir store.Directory, version string) *Host {
	s := signer.New()
	return &Host{
		cfg:       cfg,
		directory: dir,
		signer:    s,
		engine:    pdfseal.New(s),
		version:   version,
		state:     NotStarted,
	}
}

// RegisterCertResolver appends a certificate resolver; resolvers run in
// registration order and the first non-nil result wins.
func (h *Host) RegisterCertResolver(r CertResolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certResolvers = append(h.certResolvers, r)
}

// RegisterPinResolver appends a PIN resolver; resolvers run in registration
// order and the first non-empty result wins.
func (h *Host) RegisterPinResolver(r PinResolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinResolvers = append(h.pinResolvers, r)
}

// State returns the lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Addr returns the bound address, "" before Start.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Start binds the loopback listener and serves in the background. Calling
// Start on a listening host is a no-op.
func (h *Host) Start() error {
	h.mu.Lock()
	switch h.state {
	case Listening:
		h.mu.Unlock()
		return nil
	case Starting, Stopping:
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("cannot start host while %s", state)
	}
	h.state = Starting
	h.mu.Unlock()

	ln, err := net.Listen("tcp", h.cfg.Addr())
	if err != nil {
		h.mu.Lock()
		h.state = NotStarted
		h.mu.Unlock()
		return fmt.Errorf("binding %s: %w", h.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           h.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	h.mu.Lock()
	h.listener = ln
	h.server = srv
	h.serveDone = done
	h.state = Listening
	h.mu.Unlock()

	logger.Infof("listening on %s", ln.Addr())
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serve: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and waits for the accept loop to unwind.
// Stopping a host that is not listening is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != Listening {
		h.mu.Unlock()
		return nil
	}
	h.state = Stopping
	srv := h.server
	done := h.serveDone
	h.mu.Unlock()

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	h.mu.Lock()
	h.state = Stopped
	h.listener = nil
	h.server = nil
	h.mu.Unlock()
	logger.Info("host stopped")
	return err
}

// resolveIdentity applies the resolution policy: registered resolvers first,
// then an explicit index, then a thumbprint, then auto-selecting a lone
// identity.
func (h *Host) resolveIdentity(ctx context.Context, index *int, thumbprint string) (*store.Identity, error) {
	identities, err := h.directory.List(true)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	resolvers := append([]CertResolver(nil), h.certResolvers...)
	h.mu.Unlock()
	for _, resolve := range resolvers {
		id, err := resolve(ctx, identities)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
	}

	if index != nil {
		if *index < 0 || *index >= len(identities) {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", errdefs.ErrCertificateNotSelected, *index, len(identities))
		}
		return identities[*index], nil
	}
	if thumbprint != "" {
		for _, id := range identities {
			if id.MatchesThumbprint(thumbprint) {
				return id, nil
			}
		}
		return nil, fmt.Errorf("%w: no identity with thumbprint %q", errdefs.ErrCertificateNotSelected, thumbprint)
	}
	if len(identities) == 1 {
		return identities[0], nil
	}
	return nil, fmt.Errorf("%w: %d identities available and no selector given", errdefs.ErrCertificateNotSelected, len(identities))
}

// resolvePin walks the registered PIN resolvers. With none registered, or
// all of them declining, the request-level PinRequired stands.
func (h *Host) resolvePin(ctx context.Context) (string, error) {
	h.mu.Lock()
	resolvers := append([]PinResolver(nil), h.pinResolvers...)
	h.mu.Unlock()
	for _, resolve := range resolvers {
		pin, err := resolve(ctx)
		if err != nil {
			return "", err
		}
		if pin != "" {
			return pin, nil
		}
	}
	return "", nil
}

func (h *Host) router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Get("/status", h.handleStatus)
	r.Get("/certificates", h.handleCertificates)
	r.Post("/sign", h.handleSign)
	r.Post("/sign/pdf", h.handleSignPdf)
	return r
}
