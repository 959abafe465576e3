// Package errdefs defines the failure categories surfaced by the signing
// agent. Every error that crosses a package boundary wraps exactly one of
// these sentinels so the host can translate it into a structured response
// without inspecting provider-specific messages.
package errdefs

import "errors"

var (
	// ErrStoreUnavailable indicates the credential store could not be opened
	// (missing permissions, unsupported platform, absent directory).
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrCertificateNotSelected indicates no signing identity could be
	// resolved from the request selector and resolution policy.
	ErrCertificateNotSelected = errors.New("certificate not selected")

	// ErrMalformedPayload indicates the caller-supplied payload could not be
	// decoded (bad JSON, bad base64, not a PDF).
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrPinRequired indicates the private key is PIN-gated and no PIN was
	// supplied. The caller may retry once with a PIN.
	ErrPinRequired = errors.New("pin required")

	// ErrPinInvalid indicates a PIN was supplied and the provider rejected
	// it. Retrying with the same PIN will not succeed.
	ErrPinInvalid = errors.New("pin invalid")

	// ErrPinConfiguration indicates the platform offers no mechanism to bind
	// a PIN to this key. Unlike ErrPinInvalid, retrying with a different PIN
	// cannot help.
	ErrPinConfiguration = errors.New("pin cannot be bound to this key")

	// ErrSigningFailed indicates a cryptographic failure not related to PIN
	// handling.
	ErrSigningFailed = errors.New("signing failed")

	// ErrPdfProcessing indicates the PDF could not be parsed, stamped or
	// rewritten.
	ErrPdfProcessing = errors.New("pdf processing failed")
)

// IsPinRequired reports whether err is classified as a missing-PIN failure.
func IsPinRequired(err error) bool { return errors.Is(err, ErrPinRequired) }

// IsPinInvalid reports whether err is classified as a wrong-PIN failure.
func IsPinInvalid(err error) bool { return errors.Is(err, ErrPinInvalid) }

// IsCallerError reports whether err belongs to the caller-correctable part of
// the taxonomy, i.e. the request itself (selector, payload, PIN) must change
// for a retry to succeed.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrCertificateNotSelected) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrPinRequired) ||
		errors.Is(err, ErrPinInvalid)
}
