package writer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/signdesk/localagent/pdf/generic"
)

// DefaultSignatureSize is the reserved /Contents capacity in bytes. CAdES
// containers with a short chain fit comfortably.
const DefaultSignatureSize = 16384

// SignatureParams configures a new signature field and its value dictionary.
type SignatureParams struct {
	FieldName   string
	SubFilter   string
	Reason      string
	Location    string
	ContactInfo string
	SigningTime time.Time
	// Rect places the visible widget on the page; a zero rect makes the
	// signature invisible.
	Rect      generic.Rect
	PageIndex int
	// EstimatedSize reserves space for the DER container. Zero selects
	// DefaultSignatureSize.
	EstimatedSize int
}

type sigOffsets struct {
	contents  int64
	byteRange int64
}

// contentsPlaceholder reserves the /Contents hex region and records where it
// lands in the output buffer.
type contentsPlaceholder struct {
	size int
	rec  *sigOffsets
}

func (c *contentsPlaceholder) Write(w io.Writer) error {
	if buf, ok := w.(*bytes.Buffer); ok {
		c.rec.contents = int64(buf.Len())
	}
	if _, err := w.Write([]byte("<")); err != nil {
		return err
	}
	zeros := bytes.Repeat([]byte("0"), c.size*2)
	if _, err := w.Write(zeros); err != nil {
		return err
	}
	_, err := w.Write([]byte(">"))
	return err
}

func (c *contentsPlaceholder) Clone() generic.Object {
	return &contentsPlaceholder{size: c.size, rec: c.rec}
}

// byteRangePlaceholder writes a fixed-width ByteRange array that the final
// pass patches in place once the contents offset is known.
type byteRangePlaceholder struct {
	rec *sigOffsets
}

const byteRangeTemplate = "[0 0000000000 0000000000 0000000000]"

func (b *byteRangePlaceholder) Write(w io.Writer) error {
	if buf, ok := w.(*bytes.Buffer); ok {
		b.rec.byteRange = int64(buf.Len())
	}
	_, err := w.Write([]byte(byteRangeTemplate))
	return err
}

func (b *byteRangePlaceholder) Clone() generic.Object { return b }

// SignatureInfo describes a written-but-unsigned revision: the full file
// bytes with a zeroed contents region, plus the geometry needed to compute
// the digest and drop in the final container.
type SignatureInfo struct {
	Data           []byte
	ByteRange      [4]int64
	ContentsOffset int64
	ContentsSize   int
}

// DataToSign concatenates the two byte ranges the signature covers.
func (s *SignatureInfo) DataToSign() []byte {
	out := make([]byte, 0, s.ByteRange[1]+s.ByteRange[3])
	out = append(out, s.Data[s.ByteRange[0]:s.ByteRange[0]+s.ByteRange[1]]...)
	out = append(out, s.Data[s.ByteRange[2]:s.ByteRange[2]+s.ByteRange[3]]...)
	return out
}

// EmbedSignature fills the reserved contents region with the DER container,
// zero padded to the reserved capacity.
func (s *SignatureInfo) EmbedSignature(der []byte) error {
	if len(der) > s.ContentsSize {
		return fmt.Errorf("signature container is %d bytes, only %d reserved", len(der), s.ContentsSize)
	}
	encoded := make([]byte, s.ContentsSize*2)
	for i := range encoded {
		encoded[i] = '0'
	}
	hex.Encode(encoded, der)
	copy(s.Data[s.ContentsOffset+1:], encoded)
	return nil
}

// AddSignatureField stages a signature field with its widget annotation and
// value dictionary. The returned offsets record is consumed by
// WriteWithSignature.
func (w *Writer) addSignatureField(params SignatureParams) (*sigOffsets, int, error) {
	if params.SubFilter == "" {
		params.SubFilter = "ETSI.CAdES.detached"
	}
	size := params.EstimatedSize
	if size <= 0 {
		size = DefaultSignatureSize
	}

	rec := &sigOffsets{}
	sigDict := generic.NewDict()
	sigDict.Set("Type", generic.Name("Sig"))
	sigDict.Set("Filter", generic.Name("Adobe.PPKLite"))
	sigDict.Set("SubFilter", generic.Name(params.SubFilter))
	sigDict.Set("Contents", &contentsPlaceholder{size: size, rec: rec})
	sigDict.Set("ByteRange", &byteRangePlaceholder{rec: rec})
	if !params.SigningTime.IsZero() {
		sigDict.Set("M", generic.NewLiteralString(FormatDate(params.SigningTime)))
	}
	if params.Reason != "" {
		sigDict.Set("Reason", generic.NewTextString(params.Reason))
	}
	if params.Location != "" {
		sigDict.Set("Location", generic.NewTextString(params.Location))
	}
	if params.ContactInfo != "" {
		sigDict.Set("ContactInfo", generic.NewTextString(params.ContactInfo))
	}
	sigRef := w.AddObject(sigDict)

	page, pageRef, err := w.page(params.PageIndex)
	if err != nil {
		return nil, 0, err
	}

	field := generic.NewDict()
	field.Set("Type", generic.Name("Annot"))
	field.Set("Subtype", generic.Name("Widget"))
	field.Set("FT", generic.Name("Sig"))
	field.Set("T", generic.NewTextString(params.FieldName))
	field.Set("V", sigRef)
	field.Set("Rect", params.Rect.ToArray())
	field.Set("F", generic.Integer(132)) // print + locked
	field.Set("P", pageRef)
	fieldRef := w.AddObject(field)

	annots := append(generic.Array{}, page.GetArray("Annots")...)
	annots = append(annots, fieldRef)
	page.Set("Annots", annots)
	w.UpdateObject(pageRef, page)

	if err := w.attachToAcroForm(fieldRef); err != nil {
		return nil, 0, err
	}
	return rec, size, nil
}

func (w *Writer) attachToAcroForm(fieldRef generic.Ref) error {
	root, err := w.resolveDict(w.rootRef)
	if err != nil {
		return err
	}
	root = root.Clone().(*generic.Dict)

	var form *generic.Dict
	var formRef generic.Ref
	haveFormRef := false
	switch af := root.Get("AcroForm").(type) {
	case generic.Ref:
		existing, err := w.resolveDict(af)
		if err != nil {
			return fmt.Errorf("resolving AcroForm: %w", err)
		}
		form = existing.Clone().(*generic.Dict)
		formRef = af
		haveFormRef = true
	case *generic.Dict:
		form = af.Clone().(*generic.Dict)
	default:
		form = generic.NewDict()
	}

	fields := append(generic.Array{}, form.GetArray("Fields")...)
	fields = append(fields, fieldRef)
	form.Set("Fields", fields)
	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.Integer(flags|3)) // SignaturesExist | AppendOnly

	if haveFormRef {
		w.UpdateObject(formRef, form)
	} else {
		root.Set("AcroForm", form)
	}
	w.UpdateObject(w.rootRef, root)
	return nil
}

// WriteWithSignature serializes the revision with a signature field and
// returns the produced bytes alongside the digest geometry. The caller signs
// SignatureInfo.DataToSign and calls EmbedSignature with the container.
func (w *Writer) WriteWithSignature(params SignatureParams) (*SignatureInfo, error) {
	rec, size, err := w.addSignatureField(params)
	if err != nil {
		return nil, err
	}
	buf, placed, err := w.writeBody(nil)
	if err != nil {
		return nil, err
	}
	data, err := w.finish(buf, placed)
	if err != nil {
		return nil, err
	}
	if rec.contents == 0 || rec.byteRange == 0 {
		return nil, fmt.Errorf("signature placeholders were not written")
	}

	contentsEnd := rec.contents + int64(size)*2 + 2 // '<' + hex digits + '>'
	info := &SignatureInfo{
		Data:           data,
		ContentsOffset: rec.contents,
		ContentsSize:   size,
		ByteRange: [4]int64{
			0, rec.contents,
			contentsEnd, int64(len(data)) - contentsEnd,
		},
	}
	patched := fmt.Sprintf("[0 %010d %010d %010d]", info.ByteRange[1], info.ByteRange[2], info.ByteRange[3])
	if len(patched) != len(byteRangeTemplate) {
		return nil, fmt.Errorf("ByteRange %v does not fit its reserved region", info.ByteRange)
	}
	copy(data[rec.byteRange:], patched)
	return info, nil
}

// FormatDate renders a time in PDF date syntax, D:YYYYMMDDHHmmSS with the
// zone offset.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("D:%s%s%02d'%02d'", t.Format("20060102150405"), sign, offset/3600, (offset%3600)/60)
}
