// Package reader parses existing PDF documents: header, cross-reference
// chain (classic tables and xref streams), object streams, page tree and any
// embedded signatures. Parsing is read-only over an in-memory byte slice so
// the original bytes stay available for incremental updates.
package reader

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/signdesk/localagent/pdf/generic"
)

var (
	// ErrNotPdf is returned when the input does not carry a PDF header.
	ErrNotPdf = errors.New("not a PDF file")
	// ErrMalformed is returned for structurally broken documents.
	ErrMalformed = errors.New("malformed PDF")
)

var headerRe = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// XRefEntry locates one object: either a byte offset into the file or a
// position inside an object stream.
type XRefEntry struct {
	Offset     int64
	Generation int
	InStream   bool
	StreamNum  int
	StreamIdx  int
	Free       bool
}

// Document is a parsed PDF ready for object resolution.
type Document struct {
	data        []byte
	Version     string
	Trailer     *generic.Trailer
	XRef        map[int]*XRefEntry
	XRefOffsets []int64
	Root        *generic.Dict
	Info        *generic.Dict
	Pages       []generic.Ref
	AcroForm    *generic.Dict

	objects map[int]generic.Object
	maxNum  int
}

// Parse reads a complete PDF out of data.
func Parse(data []byte) (*Document, error) {
	d := &Document{
		data:    data,
		XRef:    make(map[int]*XRefEntry),
		objects: make(map[int]generic.Object),
	}
	if err := d.parseHeader(); err != nil {
		return nil, err
	}
	if err := d.parseXRefChain(); err != nil {
		return nil, err
	}
	if err := d.loadCatalog(); err != nil {
		return nil, err
	}
	return d, nil
}

// Data returns the raw bytes the document was parsed from.
func (d *Document) Data() []byte { return d.data }

// MaxObjectNumber returns the highest object number seen in the xref chain.
func (d *Document) MaxObjectNumber() int { return d.maxNum }

func (d *Document) parseHeader() error {
	limit := len(d.data)
	if limit > 100 {
		limit = 100
	}
	m := headerRe.FindSubmatch(d.data[:limit])
	if m == nil {
		return ErrNotPdf
	}
	d.Version = string(m[1])
	return nil
}

func (d *Document) parseXRefChain() error {
	idx := bytes.LastIndex(d.data, []byte("startxref"))
	if idx < 0 {
		return fmt.Errorf("%w: startxref not found", ErrMalformed)
	}
	p := generic.NewParser(d.data)
	p.Seek(int64(idx + len("startxref")))
	offTok := p.ReadToken()
	offset, err := strconv.ParseInt(offTok, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad startxref offset %q", ErrMalformed, offTok)
	}

	visited := make(map[int64]bool)
	for offset >= 0 {
		if visited[offset] {
			return fmt.Errorf("%w: xref chain loop at offset %d", ErrMalformed, offset)
		}
		visited[offset] = true
		if offset >= int64(len(d.data)) {
			return fmt.Errorf("%w: xref offset %d beyond file end", ErrMalformed, offset)
		}
		d.XRefOffsets = append(d.XRefOffsets, offset)

		trailer, err := d.parseXRefSection(offset)
		if err != nil {
			return err
		}
		if d.Trailer == nil {
			d.Trailer = &generic.Trailer{Dict: trailer}
		}
		prev, ok := trailer.GetInt("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	return nil
}

// parseXRefSection dispatches between a classic table and an xref stream and
// returns the trailer dictionary of that section.
func (d *Document) parseXRefSection(offset int64) (*generic.Dict, error) {
	p := generic.NewParser(d.data)
	p.Seek(offset)
	p.SkipWhitespace()
	if bytes.HasPrefix(d.data[p.Pos():], []byte("xref")) {
		return d.parseXRefTable(p)
	}
	return d.parseXRefStream(p)
}

func (d *Document) parseXRefTable(p *generic.Parser) (*generic.Dict, error) {
	if tok := p.ReadToken(); tok != "xref" {
		return nil, fmt.Errorf("%w: expected xref keyword, got %q", ErrMalformed, tok)
	}
	for {
		p.SkipWhitespace()
		if bytes.HasPrefix(d.data[p.Pos():], []byte("trailer")) {
			p.ReadToken()
			obj, err := p.ParseObject()
			if err != nil {
				return nil, fmt.Errorf("parsing trailer: %w", err)
			}
			trailer, ok := obj.(*generic.Dict)
			if !ok {
				return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrMalformed)
			}
			return trailer, nil
		}

		startTok := p.ReadToken()
		start, err := strconv.Atoi(startTok)
		if err != nil {
			return nil, fmt.Errorf("%w: bad xref subsection start %q", ErrMalformed, startTok)
		}
		count, err := strconv.Atoi(p.ReadToken())
		if err != nil {
			return nil, fmt.Errorf("%w: bad xref subsection count", ErrMalformed)
		}
		p.SkipWhitespace()

		for i := 0; i < count; i++ {
			pos := p.Pos()
			if pos+20 > len(d.data) {
				return nil, fmt.Errorf("%w: truncated xref table", ErrMalformed)
			}
			line := string(d.data[pos : pos+20])
			p.Seek(int64(pos + 20))
			num := start + i
			off, err := strconv.ParseInt(strings.TrimSpace(line[0:10]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad xref entry %q", ErrMalformed, line)
			}
			gen, err := strconv.Atoi(strings.TrimSpace(line[11:16]))
			if err != nil {
				return nil, fmt.Errorf("%w: bad xref generation %q", ErrMalformed, line)
			}
			kind := line[17]
			d.recordEntry(num, &XRefEntry{
				Offset:     off,
				Generation: gen,
				Free:       kind == 'f',
			})
		}
	}
}

func (d *Document) parseXRefStream(p *generic.Parser) (*generic.Dict, error) {
	ind, err := p.ParseIndirectObject(nil)
	if err != nil {
		return nil, fmt.Errorf("parsing xref stream: %w", err)
	}
	st, ok := ind.Object.(*generic.Stream)
	if !ok || st.Dict.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: expected xref stream at offset", ErrMalformed)
	}
	decoded, err := DecodeStream(st)
	if err != nil {
		return nil, fmt.Errorf("decoding xref stream: %w", err)
	}

	wArr := st.Dict.GetArray("W")
	if len(wArr) < 3 {
		return nil, fmt.Errorf("%w: xref stream missing W", ErrMalformed)
	}
	var w [3]int
	for i := 0; i < 3; i++ {
		n, ok := wArr[i].(generic.Integer)
		if !ok {
			return nil, fmt.Errorf("%w: bad W element", ErrMalformed)
		}
		w[i] = int(n)
	}
	entryLen := w[0] + w[1] + w[2]
	if entryLen == 0 {
		return nil, fmt.Errorf("%w: zero-width xref entries", ErrMalformed)
	}

	size, _ := st.Dict.GetInt("Size")
	var index []int
	if idxArr := st.Dict.GetArray("Index"); idxArr != nil {
		for _, v := range idxArr {
			n, ok := v.(generic.Integer)
			if !ok {
				return nil, fmt.Errorf("%w: bad Index element", ErrMalformed)
			}
			index = append(index, int(n))
		}
	} else {
		index = []int{0, int(size)}
	}

	pos := 0
	readField := func(width int) int64 {
		var v int64
		for i := 0; i < width; i++ {
			v = v<<8 | int64(decoded[pos])
			pos++
		}
		return v
	}
	for i := 0; i+1 < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := 0; j < count; j++ {
			if pos+entryLen > len(decoded) {
				return nil, fmt.Errorf("%w: truncated xref stream data", ErrMalformed)
			}
			typ := int64(1)
			if w[0] > 0 {
				typ = readField(w[0])
			}
			f2 := readField(w[1])
			f3 := readField(w[2])
			num := start + j
			switch typ {
			case 0:
				d.recordEntry(num, &XRefEntry{Free: true, Offset: f2, Generation: int(f3)})
			case 1:
				d.recordEntry(num, &XRefEntry{Offset: f2, Generation: int(f3)})
			case 2:
				d.recordEntry(num, &XRefEntry{InStream: true, StreamNum: int(f2), StreamIdx: int(f3)})
			}
		}
	}
	return st.Dict, nil
}

// recordEntry keeps the first-seen entry for an object number; sections are
// visited newest first so earlier entries win.
func (d *Document) recordEntry(num int, e *XRefEntry) {
	if _, ok := d.XRef[num]; ok {
		return
	}
	d.XRef[num] = e
	if num > d.maxNum {
		d.maxNum = num
	}
}

func (d *Document) loadCatalog() error {
	rootRef, ok := d.Trailer.Root()
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root", ErrMalformed)
	}
	obj, err := d.GetObject(rootRef)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	root, ok := obj.(*generic.Dict)
	if !ok {
		return fmt.Errorf("%w: catalog is not a dictionary", ErrMalformed)
	}
	d.Root = root

	if infoRef, ok := d.Trailer.Info(); ok {
		if obj, err := d.GetObject(infoRef); err == nil {
			d.Info, _ = obj.(*generic.Dict)
		}
	}
	if af, err := d.ResolveDict(root.Get("AcroForm")); err == nil {
		d.AcroForm = af
	}

	pagesObj, err := d.Resolve(root.Get("Pages"))
	if err != nil {
		return fmt.Errorf("loading page tree: %w", err)
	}
	pagesDict, ok := pagesObj.(*generic.Dict)
	if !ok {
		return fmt.Errorf("%w: /Pages is not a dictionary", ErrMalformed)
	}
	seen := make(map[generic.Ref]bool)
	if err := d.collectPages(pagesDict, seen); err != nil {
		return err
	}
	return nil
}

func (d *Document) collectPages(node *generic.Dict, seen map[generic.Ref]bool) error {
	for _, kid := range node.GetArray("Kids") {
		ref, ok := kid.(generic.Ref)
		if !ok {
			continue
		}
		if seen[ref] {
			return fmt.Errorf("%w: page tree loop at %s", ErrMalformed, ref)
		}
		seen[ref] = true
		obj, err := d.GetObject(ref)
		if err != nil {
			return fmt.Errorf("loading page %s: %w", ref, err)
		}
		dict, ok := obj.(*generic.Dict)
		if !ok {
			continue
		}
		switch dict.GetName("Type") {
		case "Pages":
			if err := d.collectPages(dict, seen); err != nil {
				return err
			}
		default:
			d.Pages = append(d.Pages, ref)
		}
	}
	return nil
}

// GetObject resolves an indirect reference, following object streams.
func (d *Document) GetObject(ref generic.Ref) (generic.Object, error) {
	if obj, ok := d.objects[ref.Num]; ok {
		return obj, nil
	}
	entry, ok := d.XRef[ref.Num]
	if !ok || entry.Free {
		return generic.Null{}, nil
	}
	var obj generic.Object
	if entry.InStream {
		var err error
		obj, err = d.objectFromStream(entry)
		if err != nil {
			return nil, err
		}
	} else {
		p := generic.NewParser(d.data)
		p.Seek(entry.Offset)
		ind, err := p.ParseIndirectObject(d.lengthOf)
		if err != nil {
			return nil, fmt.Errorf("parsing object %d: %w", ref.Num, err)
		}
		if ind.Num != ref.Num {
			return nil, fmt.Errorf("%w: object %d found where %d expected", ErrMalformed, ind.Num, ref.Num)
		}
		obj = ind.Object
	}
	if st, ok := obj.(*generic.Stream); ok && st.Dict.Has("Filter") {
		if decoded, err := DecodeStream(st); err == nil {
			st.Decoded = decoded
		}
	}
	d.objects[ref.Num] = obj
	return obj, nil
}

func (d *Document) lengthOf(ref generic.Ref) (int64, error) {
	entry, ok := d.XRef[ref.Num]
	if !ok || entry.InStream {
		return 0, fmt.Errorf("cannot resolve stream length %s", ref)
	}
	p := generic.NewParser(d.data)
	p.Seek(entry.Offset)
	ind, err := p.ParseIndirectObject(nil)
	if err != nil {
		return 0, err
	}
	n, ok := ind.Object.(generic.Integer)
	if !ok {
		return 0, fmt.Errorf("stream length %s is not an integer", ref)
	}
	return int64(n), nil
}

func (d *Document) objectFromStream(entry *XRefEntry) (generic.Object, error) {
	container, err := d.GetObject(generic.Ref{Num: entry.StreamNum})
	if err != nil {
		return nil, err
	}
	st, ok := container.(*generic.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: object stream %d is not a stream", ErrMalformed, entry.StreamNum)
	}
	decoded, err := DecodeStream(st)
	if err != nil {
		return nil, fmt.Errorf("decoding object stream %d: %w", entry.StreamNum, err)
	}
	n, _ := st.Dict.GetInt("N")
	first, _ := st.Dict.GetInt("First")

	hp := generic.NewParser(decoded)
	offsets := make(map[int]int64, n)
	order := make([]int, 0, n)
	for i := int64(0); i < n; i++ {
		num, err := strconv.Atoi(hp.ReadToken())
		if err != nil {
			return nil, fmt.Errorf("%w: bad object stream header", ErrMalformed)
		}
		off, err := strconv.ParseInt(hp.ReadToken(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad object stream header", ErrMalformed)
		}
		offsets[num] = off
		order = append(order, num)
	}
	if entry.StreamIdx >= len(order) {
		return nil, fmt.Errorf("%w: object stream index out of range", ErrMalformed)
	}
	target := order[entry.StreamIdx]
	op := generic.NewParser(decoded)
	op.Seek(first + offsets[target])
	return op.ParseObject()
}

// Resolve follows a reference to its object; non-references pass through.
func (d *Document) Resolve(obj generic.Object) (generic.Object, error) {
	if ref, ok := obj.(generic.Ref); ok {
		return d.GetObject(ref)
	}
	if obj == nil {
		return generic.Null{}, nil
	}
	return obj, nil
}

// ResolveDict resolves obj and asserts it is a dictionary.
func (d *Document) ResolveDict(obj generic.Object) (*generic.Dict, error) {
	resolved, err := d.Resolve(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := resolved.(*generic.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrMalformed, resolved)
	}
	return dict, nil
}

// PageCount returns the number of leaf pages.
func (d *Document) PageCount() int { return len(d.Pages) }

// Page returns the dictionary of the zero-based page index.
func (d *Document) Page(index int) (*generic.Dict, generic.Ref, error) {
	if index < 0 || index >= len(d.Pages) {
		return nil, generic.Ref{}, fmt.Errorf("page index %d out of range [0,%d)", index, len(d.Pages))
	}
	ref := d.Pages[index]
	dict, err := d.ResolveDict(ref)
	if err != nil {
		return nil, generic.Ref{}, err
	}
	return dict, ref, nil
}

// MediaBox returns the page media box, walking up the tree when inherited.
func (d *Document) MediaBox(page *generic.Dict) (generic.Rect, error) {
	node := page
	for i := 0; node != nil && i < 64; i++ {
		if mb := node.Get("MediaBox"); mb != nil {
			resolved, err := d.Resolve(mb)
			if err != nil {
				return generic.Rect{}, err
			}
			arr, ok := resolved.(generic.Array)
			if !ok {
				return generic.Rect{}, fmt.Errorf("%w: MediaBox is not an array", ErrMalformed)
			}
			return generic.RectFromArray(arr)
		}
		parent := node.Get("Parent")
		if parent == nil {
			break
		}
		next, err := d.ResolveDict(parent)
		if err != nil {
			return generic.Rect{}, err
		}
		node = next
	}
	// US letter sized fallback rarely matters; A4 matches the documents
	// this agent handles.
	return generic.Rect{URX: 595.32, URY: 841.92}, nil
}

// EmbeddedSignature is one signature found in the document.
type EmbeddedSignature struct {
	FieldName string
	SubFilter string
	ByteRange []int64
	Contents  []byte
}

// SignedData concatenates the byte ranges the signature covers.
func (s *EmbeddedSignature) SignedData(fileData []byte) ([]byte, error) {
	if len(s.ByteRange)%2 != 0 {
		return nil, fmt.Errorf("odd ByteRange length %d", len(s.ByteRange))
	}
	var out []byte
	for i := 0; i < len(s.ByteRange); i += 2 {
		start, length := s.ByteRange[i], s.ByteRange[i+1]
		if start < 0 || start+length > int64(len(fileData)) {
			return nil, fmt.Errorf("ByteRange [%d %d] outside file", start, length)
		}
		out = append(out, fileData[start:start+length]...)
	}
	return out, nil
}

// Signatures returns all filled signature fields in the document.
func (d *Document) Signatures() ([]*EmbeddedSignature, error) {
	if d.AcroForm == nil {
		return nil, nil
	}
	var sigs []*EmbeddedSignature
	for _, fieldObj := range d.AcroForm.GetArray("Fields") {
		field, err := d.ResolveDict(fieldObj)
		if err != nil {
			continue
		}
		if field.GetName("FT") != "Sig" {
			continue
		}
		vDict, err := d.ResolveDict(field.Get("V"))
		if err != nil {
			continue
		}
		sig := &EmbeddedSignature{SubFilter: vDict.GetName("SubFilter")}
		if name, ok := field.Get("T").(*generic.String); ok {
			sig.FieldName = name.Text()
		}
		for _, v := range vDict.GetArray("ByteRange") {
			if n, ok := v.(generic.Integer); ok {
				sig.ByteRange = append(sig.ByteRange, int64(n))
			}
		}
		if contents, ok := vDict.Get("Contents").(*generic.String); ok {
			// strip hex padding
			data := contents.Value
			end := len(data)
			for end > 0 && data[end-1] == 0 {
				end--
			}
			sig.Contents = data[:end]
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// DecodeStream applies the stream's filter chain. FlateDecode with optional
// PNG predictors is the only filter these documents use.
func DecodeStream(st *generic.Stream) ([]byte, error) {
	filterObj := st.Dict.Get("Filter")
	if filterObj == nil {
		return st.Data, nil
	}
	var filters []string
	switch f := filterObj.(type) {
	case generic.Name:
		filters = []string{string(f)}
	case generic.Array:
		for _, item := range f {
			if n, ok := item.(generic.Name); ok {
				filters = append(filters, string(n))
			}
		}
	}
	data := st.Data
	for _, name := range filters {
		switch name {
		case "FlateDecode", "Fl":
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("flate: %w", err)
			}
			out, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("flate: %w", err)
			}
			data = out
			if parms := decodeParms(st.Dict); parms != nil {
				data, err = applyPredictor(data, parms)
				if err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("unsupported stream filter %q", name)
		}
	}
	return data, nil
}

func decodeParms(dict *generic.Dict) *generic.Dict {
	switch p := dict.Get("DecodeParms").(type) {
	case *generic.Dict:
		return p
	case generic.Array:
		if len(p) > 0 {
			if d, ok := p[0].(*generic.Dict); ok {
				return d
			}
		}
	}
	return nil
}

// applyPredictor undoes PNG row predictors 10 through 15.
func applyPredictor(data []byte, parms *generic.Dict) ([]byte, error) {
	predictor, _ := parms.GetInt("Predictor")
	if predictor < 10 {
		return data, nil
	}
	columns := int64(1)
	if c, ok := parms.GetInt("Columns"); ok {
		columns = c
	}
	colors := int64(1)
	if c, ok := parms.GetInt("Colors"); ok {
		colors = c
	}
	bpc := int64(8)
	if b, ok := parms.GetInt("BitsPerComponent"); ok {
		bpc = b
	}
	bytesPerPixel := int((colors*bpc + 7) / 8)
	rowLen := int((columns*colors*bpc+7)/8) + 1
	if rowLen <= 1 || len(data)%rowLen != 0 {
		return nil, fmt.Errorf("predictor row length %d does not divide data length %d", rowLen, len(data))
	}

	rows := len(data) / rowLen
	out := make([]byte, 0, rows*(rowLen-1))
	prev := make([]byte, rowLen-1)
	for r := 0; r < rows; r++ {
		row := data[r*rowLen : (r+1)*rowLen]
		tag := row[0]
		cur := make([]byte, rowLen-1)
		copy(cur, row[1:])
		switch tag {
		case 0: // none
		case 1: // sub
			for i := bytesPerPixel; i < len(cur); i++ {
				cur[i] += cur[i-bytesPerPixel]
			}
		case 2: // up
			for i := range cur {
				cur[i] += prev[i]
			}
		case 3: // average
			for i := range cur {
				var left int
				if i >= bytesPerPixel {
					left = int(cur[i-bytesPerPixel])
				}
				cur[i] += byte((left + int(prev[i])) / 2)
			}
		case 4: // paeth
			for i := range cur {
				var left, upLeft int
				if i >= bytesPerPixel {
					left = int(cur[i-bytesPerPixel])
					upLeft = int(prev[i-bytesPerPixel])
				}
				cur[i] += byte(paeth(left, int(prev[i]), upLeft))
			}
		default:
			return nil, fmt.Errorf("unknown PNG predictor tag %d", tag)
		}
		out = append(out, cur...)
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c int) int {
	p := a + b - c
	pa, pb, pc := abs(p-a), abs(p-b), abs(p-c)
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
