// Package pdfseal runs the two-phase PDF signing flow: a visual stamping
// rewrite first, then an append-only revision carrying an embedded CAdES
// signature. Phase 1 has no cryptographic dependency and is never rerun;
// phase 2 is retried exactly once when the key turns out to be PIN gated.
package pdfseal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/signdesk/localagent/errdefs"
	"github.com/signdesk/localagent/pdf/generic"
	"github.com/signdesk/localagent/pdf/reader"
	"github.com/signdesk/localagent/pdf/writer"
	"github.com/signdesk/localagent/signer"
	"github.com/signdesk/localagent/stamp"
	"github.com/signdesk/localagent/store"
)

// Options configures one sealing run. Every field has a default.
type Options struct {
	Stamp stamp.Options

	FieldName string
	// SignaturePage is 1-based; out-of-range values clamp to the document.
	SignaturePage int
	Width         float64
	Height        float64
	MarginX       float64
	MarginY       float64

	// Companion additionally produces a standalone detached CMS signature
	// over the phase 1 bytes. Its failure does not fail the run.
	Companion bool

	// TempDir overrides the scratch directory, os.TempDir by default.
	TempDir string
}

func (o *Options) applyDefaults(now time.Time) {
	o.Stamp.ApplyDefaults(now)
	if o.FieldName == "" {
		o.FieldName = "Assinatura1"
	}
	if o.SignaturePage <= 0 {
		o.SignaturePage = 1
	}
	if o.Width <= 0 {
		o.Width = 180
	}
	if o.Height <= 0 {
		o.Height = 70
	}
	if o.MarginX <= 0 {
		o.MarginX = 36
	}
	if o.MarginY <= 0 {
		o.MarginY = 36
	}
}

// PinFunc obtains a PIN from the caller's collaborator; an empty string means
// no PIN is available.
type PinFunc func(ctx context.Context) (string, error)

// Result is a completed sealing run.
type Result struct {
	Pdf    []byte
	Signer *signer.Result
	// Companion holds the standalone p7s when requested and successful.
	Companion []byte
	// CompanionErr records why the companion is missing; never fatal.
	CompanionErr error
}

// Engine seals PDFs with a shared Signer.
type Engine struct {
	signer *signer.Signer
	clock  clockwork.Clock
}

// New builds an engine on the real clock.
func New(s *signer.Signer) *Engine {
	return NewWithClock(s, clockwork.NewRealClock())
}

// NewWithClock builds an engine with an injected clock.
func NewWithClock(s *signer.Signer, clock clockwork.Clock) *Engine {
	return &Engine{signer: s, clock: clock}
}

// Stamp runs phase 1: the watermark header on every page and, when protocol
// data is present, the trailing protocol page. Pure rewrite, no cryptography.
func (e *Engine) Stamp(input []byte, opts *Options) ([]byte, error) {
	opts.applyDefaults(e.clock.Now())

	doc, err := reader.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMalformedPayload, err)
	}
	w, err := writer.New(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}

	resources := stamp.FontResources()
	var firstBox generic.Rect
	for i := 0; i < doc.PageCount(); i++ {
		page, _, err := doc.Page(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
		}
		box, err := doc.MediaBox(page)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
		}
		if i == 0 {
			firstBox = box
		}
		content := stamp.Watermark(opts.Stamp.Watermark, box)
		if err := w.AppendPageContent(i, content, resources); err != nil {
			return nil, fmt.Errorf("%w: stamping page %d: %v", errdefs.ErrPdfProcessing, i+1, err)
		}
	}

	if opts.Stamp.NeedsProtocolPage() {
		content := opts.Stamp.ProtocolPage(firstBox)
		if _, err := w.AppendPage(firstBox, content, resources); err != nil {
			return nil, fmt.Errorf("%w: adding protocol page: %v", errdefs.ErrPdfProcessing, err)
		}
	}

	out, err := w.Write()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}
	return out, nil
}

// Embed runs phase 2: a new revision over stamped with a signature field,
// digesting the byte ranges through the signer. The prior revision's bytes
// are not touched.
func (e *Engine) Embed(ctx context.Context, stamped []byte, id *store.Identity, opts *Options, pin string) ([]byte, *signer.Result, error) {
	opts.applyDefaults(e.clock.Now())

	doc, err := reader.Parse(stamped)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrMalformedPayload, err)
	}
	w, err := writer.New(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}

	pageIndex := opts.SignaturePage - 1
	if pageIndex >= doc.PageCount() {
		pageIndex = doc.PageCount() - 1
	}
	page, _, err := doc.Page(pageIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}
	box, err := doc.MediaBox(page)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}

	rect := generic.Rect{
		LLX: box.URX - opts.MarginX - opts.Width,
		LLY: box.LLY + opts.MarginY,
		URX: box.URX - opts.MarginX,
		URY: box.LLY + opts.MarginY + opts.Height,
	}
	info, err := w.WriteWithSignature(writer.SignatureParams{
		FieldName:   opts.FieldName,
		Reason:      opts.Stamp.Reason,
		Location:    opts.Stamp.Location,
		SigningTime: opts.Stamp.SignedAt,
		Rect:        rect,
		PageIndex:   pageIndex,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}

	res, err := e.signer.Sign(ctx, info.DataToSign(), id, true, pin)
	if err != nil {
		return nil, nil, err
	}
	if err := info.EmbedSignature(res.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}
	return info.Data, res, nil
}

// Seal runs both phases. On PinRequired from phase 2 it asks pinFn once and
// reruns phase 2 only; a second PIN failure ends the run. The companion
// signature, when requested, follows with the same PIN and reports its
// failure in the result instead of propagating it.
func (e *Engine) Seal(ctx context.Context, input []byte, id *store.Identity, opts *Options, pinFn PinFunc) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	stamped, err := e.Stamp(input, opts)
	if err != nil {
		return nil, err
	}

	// The stamped bytes go through a uniquely named scratch file, removed
	// whatever the outcome.
	stampedPath, cleanup, err := writeTemp(opts.TempDir, stamped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}
	defer cleanup()
	stamped, err = os.ReadFile(stampedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPdfProcessing, err)
	}

	pin := ""
	signed, sigRes, err := e.Embed(ctx, stamped, id, opts, pin)
	if errdefs.IsPinRequired(err) && pinFn != nil {
		obtained, pinErr := pinFn(ctx)
		if pinErr != nil || obtained == "" {
			return nil, err
		}
		pin = obtained
		signed, sigRes, err = e.Embed(ctx, stamped, id, opts, pin)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Pdf: signed, Signer: sigRes}
	if opts.Companion {
		companion, cErr := e.signer.Sign(ctx, stamped, id, true, pin)
		if cErr != nil {
			result.CompanionErr = cErr
		} else {
			result.Companion = companion.Signature
		}
	}
	return result, nil
}

func writeTemp(dir string, data []byte) (string, func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "seal-"+uuid.NewString()+".pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", nil, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}
