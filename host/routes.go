package host

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/logger"

	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/sign/pdfseal"
	"github.com/signdesk/localagent/signer"
	"github.com/signdesk/localagent/store"
)

type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Certificates int    `json:"certificates"`
}

type certificateInfo struct {
	Index         int       `json:"index"`
	Subject       string    `json:"subject"`
	Issuer        string    `json:"issuer"`
	Serial        string    `json:"serialNumber"`
	Thumbprint    string    `json:"thumbprint"`
	NotAfter      time.Time `json:"notAfter"`
	HasPrivateKey bool      `json:"hasPrivateKey"`
}

type signRequest struct {
	Payload    string `json:"payload"`
	Detached   *bool  `json:"detached,omitempty"`
	CertIndex  *int   `json:"certIndex,omitempty"`
	Thumbprint string `json:"thumbprint,omitempty"`
}

type signResponse struct {
	Signature string    `json:"signature"`
	Subject   string    `json:"certificateSubject"`
	Issuer    string    `json:"certificateIssuer"`
	Serial    string    `json:"certificateSerial"`
	SignedAt  time.Time `json:"signedAt"`
}

type signPdfRequest struct {
	Payload    string `json:"payload"`
	CertIndex  *int   `json:"certIndex,omitempty"`
	Thumbprint string `json:"thumbprint,omitempty"`

	Protocol   string   `json:"protocol,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Watermark  string   `json:"watermark,omitempty"`
	FooterNote string   `json:"footerNote,omitempty"`

	SignatureType   string `json:"signatureType,omitempty"`
	Authentication  string `json:"authentication,omitempty"`
	CertDescription string `json:"certificateDescription,omitempty"`
	TokenInfo       string `json:"tokenInfo,omitempty"`

	Reason   string `json:"reason,omitempty"`
	Location string `json:"location,omitempty"`

	SignaturePage    int     `json:"signaturePage,omitempty"`
	SignatureWidth   float64 `json:"signatureWidth,omitempty"`
	SignatureHeight  float64 `json:"signatureHeight,omitempty"`
	SignatureMarginX float64 `json:"signatureMarginX,omitempty"`
	SignatureMarginY float64 `json:"signatureMarginY,omitempty"`

	// Companion opts out of the standalone detached .p7s when explicitly
	// false; by default every sealed PDF ships one.
	Companion *bool `json:"companion,omitempty"`
}

type signPdfResponse struct {
	Pdf            string `json:"pdf"`
	Protocol       string `json:"protocol"`
	SignatureType  string `json:"signatureType"`
	Authentication string `json:"authentication"`
	P7s            string `json:"p7s,omitempty"`
	Subject        string `json:"subject"`
	SignedAt       string `json:"signedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses: caller-correctable
// conditions are 4xx, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	code, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrMalformedPayload):
		code, status = "malformed_payload", http.StatusBadRequest
	case errors.Is(err, errdefs.ErrCertificateNotSelected):
		code, status = "certificate_not_selected", http.StatusBadRequest
	case errors.Is(err, errdefs.ErrPinRequired):
		code, status = "pin_required", http.StatusBadRequest
	case errors.Is(err, errdefs.ErrPinInvalid):
		code, status = "pin_invalid", http.StatusBadRequest
	case errors.Is(err, errdefs.ErrPinConfiguration):
		code, status = "pin_configuration", http.StatusConflict
	case errors.Is(err, errdefs.ErrStoreUnavailable):
		code, status = "store_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrPdfProcessing):
		code, status = "pdf_processing", http.StatusUnprocessableEntity
	case errors.Is(err, errdefs.ErrSigningFailed):
		code, status = "signing_failed", http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Errorf("request failed: %v", err)
	} else {
		logger.Infof("request rejected: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	count := 0
	if ids, err := h.directory.List(true); err == nil {
		count = len(ids)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       h.State().String(),
		Version:      h.version,
		Certificates: count,
	})
}

func (h *Host) handleCertificates(w http.ResponseWriter, r *http.Request) {
	onlyWithKey := r.URL.Query().Get("all") == ""
	ids, err := h.directory.List(onlyWithKey)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]certificateInfo, len(ids))
	for i, id := range ids {
		out[i] = certificateInfo{
			Index:         i,
			Subject:       id.Subject(),
			Issuer:        id.Issuer(),
			Serial:        id.Serial().String(),
			Thumbprint:    id.Thumbprint(),
			NotAfter:      id.NotAfter(),
			HasPrivateKey: id.HasPrivateKey(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Host) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrMalformedPayload, err))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, fmt.Errorf("%w: payload is not base64: %v", errdefs.ErrMalformedPayload, err))
		return
	}
	detached := true
	if req.Detached != nil {
		detached = *req.Detached
	}

	ctx := r.Context()
	id, err := h.resolveIdentity(ctx, req.CertIndex, req.Thumbprint)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.signWithRetry(ctx, payload, id, detached)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Signature: base64.StdEncoding.EncodeToString(res.Signature),
		Subject:   res.Subject,
		Issuer:    res.Issuer,
		Serial:    res.Serial,
		SignedAt:  res.SignedAt,
	})
}

func (h *Host) handleSignPdf(w http.ResponseWriter, r *http.Request) {
	var req signPdfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrMalformedPayload, err))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, fmt.Errorf("%w: payload is not base64: %v", errdefs.ErrMalformedPayload, err))
		return
	}

	ctx := r.Context()
	id, err := h.resolveIdentity(ctx, req.CertIndex, req.Thumbprint)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := &pdfseal.Options{
		SignaturePage: req.SignaturePage,
		Width:         req.SignatureWidth,
		Height:        req.SignatureHeight,
		MarginX:       req.SignatureMarginX,
		MarginY:       req.SignatureMarginY,
		Companion:     req.Companion == nil || *req.Companion,
	}
	opts.Stamp.Watermark = req.Watermark
	if opts.Stamp.Watermark == "" {
		opts.Stamp.Watermark = h.cfg.StampWatermark
	}
	opts.Stamp.Protocol = req.Protocol
	opts.Stamp.FooterNote = req.FooterNote
	if opts.Stamp.FooterNote == "" {
		opts.Stamp.FooterNote = h.cfg.StampFooter
	}
	opts.Stamp.Actions = req.Actions
	opts.Stamp.SignerName = id.Certificate.Subject.CommonName
	opts.Stamp.Reason = req.Reason
	opts.Stamp.Location = req.Location
	opts.Stamp.SignatureType = req.SignatureType
	opts.Stamp.Authentication = req.Authentication
	opts.Stamp.CertificateInfo = req.CertDescription
	opts.Stamp.TokenInfo = req.TokenInfo

	res, err := h.engine.Seal(ctx, payload, id, opts, pdfseal.PinFunc(h.pinOnce()))
	if err != nil {
		writeError(w, err)
		return
	}
	if res.CompanionErr != nil {
		logger.Warningf("companion signature failed: %v", res.CompanionErr)
	}

	out := signPdfResponse{
		Pdf:            base64.StdEncoding.EncodeToString(res.Pdf),
		Protocol:       opts.Stamp.Protocol,
		SignatureType:  opts.Stamp.SignatureType,
		Authentication: opts.Stamp.Authentication,
		Subject:        res.Signer.Subject,
		SignedAt:       res.Signer.SignedAt.Format(time.RFC3339),
	}
	if len(res.Companion) > 0 {
		out.P7s = base64.StdEncoding.EncodeToString(res.Companion)
	}
	writeJSON(w, http.StatusOK, out)
}

// signWithRetry runs the request state machine for raw payloads: sign without
// a PIN, and on PinRequired ask the resolvers once and sign again. A second
// PIN failure ends the request.
func (h *Host) signWithRetry(ctx context.Context, payload []byte, id *store.Identity, detached bool) (*signer.Result, error) {
	res, err := h.signer.Sign(ctx, payload, id, detached, "")
	if !errdefs.IsPinRequired(err) {
		return res, err
	}
	firstErr := err

	pin, pinErr := h.resolvePin(ctx)
	if pinErr != nil {
		return nil, pinErr
	}
	if pin == "" {
		return nil, firstErr
	}
	return h.signer.Sign(ctx, payload, id, detached, pin)
}

// pinOnce adapts the resolver chain for the PDF engine, which already
// enforces the single retry.
func (h *Host) pinOnce() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return h.resolvePin(ctx)
	}
}
