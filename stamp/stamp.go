// Package stamp composes PDF content streams for the visual half of the
// signing flow: a low-contrast watermark line near the top of every page and
// a trailing protocol page summarizing who signed, how and when.
package stamp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/signdesk/localagent/pdf/generic"
)

const (
	pageMargin  = 72.0
	titleSize   = 16.0
	bodySize    = 10.0
	headerSize  = 7.0
	headerInset = 36.0
	wrapColumns = 90
	// Per-line vertical advance relative to the font size.
	lineFactor = 1.4
	// Rough Helvetica advance per character relative to the font size.
	charFactor = 0.5
)

// Options carries the text fields of a stamp. Empty fields are omitted from
// the protocol page rather than rendered blank.
type Options struct {
	Watermark       string
	Title           string
	Protocol        string
	FooterNote      string
	Actions         []string
	SignerName      string
	Reason          string
	Location        string
	SignatureType   string
	Authentication  string
	CertificateInfo string
	TokenInfo       string
	SignedAt        time.Time
}

// ApplyDefaults fills the fields that always render with their defaults. The
// protocol, actions and footer stay empty so the trailing page is only added
// when the caller asked for one.
func (o *Options) ApplyDefaults(now time.Time) {
	if o.Watermark == "" {
		o.Watermark = "Documento assinado digitalmente"
	}
	if o.Title == "" {
		o.Title = "Protocolo de Assinatura Digital"
	}
	if o.SignatureType == "" {
		o.SignatureType = "PKCS#7/CAdES detached"
	}
	if o.Authentication == "" {
		o.Authentication = "Certificado digital"
	}
	if o.SignedAt.IsZero() {
		o.SignedAt = now
	}
}

// NeedsProtocolPage reports whether a trailing protocol page must be added.
func (o *Options) NeedsProtocolPage() bool {
	return o.Protocol != "" || len(o.Actions) > 0 || o.FooterNote != ""
}

// FontResources builds the resource dictionary the generated content streams
// expect: Helvetica registered as /F1.
func FontResources() *generic.Dict {
	font := generic.NewDict()
	font.Set("Type", generic.Name("Font"))
	font.Set("Subtype", generic.Name("Type1"))
	font.Set("BaseFont", generic.Name("Helvetica"))
	font.Set("Encoding", generic.Name("WinAnsiEncoding"))
	fonts := generic.NewDict()
	fonts.Set("F1", font)
	res := generic.NewDict()
	res.Set("Font", fonts)
	return res
}

// Watermark renders the header line drawn on every page: small gray text just
// under the top edge.
func Watermark(text string, box generic.Rect) []byte {
	var buf bytes.Buffer
	buf.WriteString("q\n0.5 g\nBT\n")
	fmt.Fprintf(&buf, "/F1 %g Tf\n", headerSize)
	fmt.Fprintf(&buf, "%g %g Td\n", box.LLX+headerInset, box.URY-headerInset/2)
	writeShowText(&buf, text)
	buf.WriteString("ET\nQ\n")
	return buf.Bytes()
}

// ProtocolPage lays out the trailing summary page top-down inside the page
// margins.
func (o *Options) ProtocolPage(box generic.Rect) []byte {
	var buf bytes.Buffer
	buf.WriteString("q\n0 g\nBT\n")

	y := box.URY - pageMargin
	centered := func(text string, size float64) {
		width := float64(len(text)) * size * charFactor
		x := box.LLX + (box.Width()-width)/2
		if x < box.LLX+pageMargin {
			x = box.LLX + pageMargin
		}
		fmt.Fprintf(&buf, "/F1 %g Tf\n1 0 0 1 %g %g Tm\n", size, x, y)
		writeShowText(&buf, text)
		y -= size * lineFactor
	}
	line := func(text string, size float64) {
		fmt.Fprintf(&buf, "/F1 %g Tf\n1 0 0 1 %g %g Tm\n", size, box.LLX+pageMargin, y)
		writeShowText(&buf, text)
		y -= size * lineFactor
	}
	blank := func() { y -= bodySize * lineFactor }
	wrapped := func(label, text string) {
		for i, part := range wrapOnCommas(label+text, wrapColumns) {
			if i > 0 {
				part = "  " + part
			}
			line(part, bodySize)
		}
	}

	centered(o.Title, titleSize)
	blank()

	if o.Protocol != "" {
		line("Protocolo: "+o.Protocol, bodySize)
		blank()
	}
	if o.SignerName != "" {
		line("Assinante: "+o.SignerName, bodySize)
	}
	if o.Reason != "" {
		line("Motivo: "+o.Reason, bodySize)
	}
	if o.Location != "" {
		line("Local: "+o.Location, bodySize)
	}
	if !o.SignedAt.IsZero() {
		line("Data: "+o.SignedAt.Format("02/01/2006 15:04:05"), bodySize)
	}
	blank()

	if o.SignatureType != "" {
		line("Tipo de assinatura: "+o.SignatureType, bodySize)
	}
	if o.Authentication != "" {
		line("Autenticação: "+o.Authentication, bodySize)
	}
	if o.CertificateInfo != "" {
		wrapped("Certificado: ", o.CertificateInfo)
	}
	if o.TokenInfo != "" {
		wrapped("Dispositivo: ", o.TokenInfo)
	}
	if len(o.Actions) > 0 {
		blank()
		line("Histórico:", bodySize)
		for _, action := range o.Actions {
			line("• "+action, bodySize)
		}
	}

	if o.FooterNote != "" {
		width := float64(len(o.FooterNote)) * bodySize * charFactor
		x := box.LLX + (box.Width()-width)/2
		if x < box.LLX+pageMargin {
			x = box.LLX + pageMargin
		}
		fmt.Fprintf(&buf, "/F1 %g Tf\n1 0 0 1 %g %g Tm\n", bodySize, x, box.LLY+pageMargin)
		writeShowText(&buf, o.FooterNote)
	}

	buf.WriteString("ET\nQ\n")
	return buf.Bytes()
}

// wrapOnCommas splits s on comma boundaries so no part exceeds limit
// characters. A part longer than limit with no comma is kept whole.
func wrapOnCommas(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var parts []string
	rest := s
	for len(rest) > limit {
		cut := strings.LastIndex(rest[:limit], ",")
		if cut < 0 {
			next := strings.Index(rest[limit:], ",")
			if next < 0 {
				break
			}
			cut = limit + next
		}
		parts = append(parts, strings.TrimSpace(rest[:cut+1]))
		rest = strings.TrimSpace(rest[cut+1:])
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// writeShowText emits a Tj with the text encoded for WinAnsi and the string
// delimiters escaped.
func writeShowText(buf *bytes.Buffer, text string) {
	buf.WriteByte('(')
	for _, r := range text {
		b, ok := winAnsiByte(r)
		if !ok {
			b = '?'
		}
		switch b {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		default:
			if b < 32 || b > 126 {
				fmt.Fprintf(buf, "\\%03o", b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteString(") Tj\n")
}

// winAnsiByte maps a rune to its WinAnsi code point. Latin-1 passes through;
// the common punctuation of the 0x80 block is translated explicitly.
func winAnsiByte(r rune) (byte, bool) {
	if r <= 0xFF && (r < 0x80 || r > 0x9F) {
		return byte(r), true
	}
	switch r {
	case '•': // bullet
		return 0x95, true
	case '–':
		return 0x96, true
	case '—':
		return 0x97, true
	case '‘':
		return 0x91, true
	case '’':
		return 0x92, true
	case '“':
		return 0x93, true
	case '”':
		return 0x94, true
	case '€':
		return 0x80, true
	case '…':
		return 0x85, true
	}
	return 0, false
}
