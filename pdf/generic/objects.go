// Package generic implements the PDF object model used by the stamping and
// embedding engine: the eight basic object types, indirect references and the
// trailer dictionary, with serialization in PDF syntax.
package generic

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"unicode/utf16"
)

// Object is a PDF object that can serialize itself in PDF syntax.
type Object interface {
	Write(w io.Writer) error
	Clone() Object
}

// Null is the PDF null value.
type Null struct{}

func (Null) Write(w io.Writer) error { _, err := w.Write([]byte("null")); return err }
func (Null) Clone() Object           { return Null{} }

// Boolean is a PDF boolean.
type Boolean bool

func (b Boolean) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%t", bool(b))
	return err
}
func (b Boolean) Clone() Object { return b }

// Integer is a PDF integer.
type Integer int64

func (i Integer) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d", int64(i))
	return err
}
func (i Integer) Clone() Object { return i }

// Real is a PDF real number.
type Real float64

func (r Real) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}
func (r Real) Clone() Object { return r }

// Name is a PDF name object, stored without the leading slash.
type Name string

func (n Name) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || c == '%' || c == '/' ||
			c == '(' || c == ')' || c == '<' || c == '>' ||
			c == '[' || c == ']' || c == '{' || c == '}' {
			fmt.Fprintf(&buf, "#%02X", c)
		} else {
			buf.WriteByte(c)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
func (n Name) Clone() Object { return n }

// String is a PDF string, serialized literal or hex.
type String struct {
	Value []byte
	Hex   bool
}

// NewLiteralString builds a literal string object.
func NewLiteralString(s string) *String { return &String{Value: []byte(s)} }

// NewHexString builds a hex string object.
func NewHexString(data []byte) *String { return &String{Value: data, Hex: true} }

// NewTextString builds a PDF text string, switching to UTF-16BE with BOM when
// the text does not fit in single bytes.
func NewTextString(s string) *String {
	wide := false
	for _, r := range s {
		if r > 0xFF {
			wide = true
			break
		}
	}
	if !wide {
		return &String{Value: []byte(s)}
	}
	var buf bytes.Buffer
	buf.Write([]byte{0xFE, 0xFF})
	for _, u := range utf16.Encode([]rune(s)) {
		buf.WriteByte(byte(u >> 8))
		buf.WriteByte(byte(u))
	}
	return &String{Value: buf.Bytes()}
}

func (s *String) Write(w io.Writer) error {
	if s.Hex {
		_, err := fmt.Fprintf(w, "<%s>", hex.EncodeToString(s.Value))
		return err
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, b := range s.Value {
		switch b {
		case '\\', '(', ')':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if b < 32 || b > 126 {
				fmt.Fprintf(&buf, "\\%03o", b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

func (s *String) Clone() Object {
	v := make([]byte, len(s.Value))
	copy(v, s.Value)
	return &String{Value: v, Hex: s.Hex}
}

// Text decodes the string as text, honoring a UTF-16BE BOM.
func (s *String) Text() string {
	if len(s.Value) >= 2 && s.Value[0] == 0xFE && s.Value[1] == 0xFF {
		units := make([]uint16, 0, (len(s.Value)-2)/2)
		for i := 2; i+1 < len(s.Value); i += 2 {
			units = append(units, uint16(s.Value[i])<<8|uint16(s.Value[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(s.Value)
}

// Array is a PDF array.
type Array []Object

func (a Array) Write(w io.Writer) error {
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := w.Write([]byte(" ")); err != nil {
				return err
			}
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("]"))
	return err
}

func (a Array) Clone() Object {
	out := make(Array, len(a))
	for i, item := range a {
		out[i] = item.Clone()
	}
	return out
}

// Dict is a PDF dictionary preserving insertion order.
type Dict struct {
	entries map[string]Object
	order   []string
}

// NewDict creates an empty dictionary.
func NewDict() *Dict {
	return &Dict{entries: make(map[string]Object)}
}

func (d *Dict) Write(w io.Writer) error {
	if _, err := w.Write([]byte("<<")); err != nil {
		return err
	}
	for _, key := range d.order {
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		if err := Name(key).Write(w); err != nil {
			return err
		}
		if _, err := w.Write([]byte(" ")); err != nil {
			return err
		}
		if err := d.entries[key].Write(w); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\n>>"))
	return err
}

func (d *Dict) Clone() Object {
	out := NewDict()
	for _, key := range d.order {
		out.Set(key, d.entries[key].Clone())
	}
	return out
}

// Set stores a key, keeping first-insertion order stable.
func (d *Dict) Set(key string, value Object) {
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = value
}

// Get returns the value for key, nil when absent.
func (d *Dict) Get(key string) Object { return d.entries[key] }

// Has reports whether key is present.
func (d *Dict) Has(key string) bool { _, ok := d.entries[key]; return ok }

// Delete removes key if present.
func (d *Dict) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string { return d.order }

// GetName returns the name value for key, "" when absent or not a name.
func (d *Dict) GetName(key string) string {
	if n, ok := d.Get(key).(Name); ok {
		return string(n)
	}
	return ""
}

// GetInt returns the integer value for key.
func (d *Dict) GetInt(key string) (int64, bool) {
	if i, ok := d.Get(key).(Integer); ok {
		return int64(i), true
	}
	return 0, false
}

// GetArray returns the array value for key, nil when absent.
func (d *Dict) GetArray(key string) Array {
	if a, ok := d.Get(key).(Array); ok {
		return a
	}
	return nil
}

// GetDict returns the dictionary value for key, nil when absent.
func (d *Dict) GetDict(key string) *Dict {
	if sub, ok := d.Get(key).(*Dict); ok {
		return sub
	}
	return nil
}

// Ref is an indirect reference.
type Ref struct {
	Num int
	Gen int
}

func (r Ref) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.Num, r.Gen)
	return err
}
func (r Ref) Clone() Object { return r }

func (r Ref) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Indirect couples an object with its object and generation numbers for
// serialization as an indirect object definition.
type Indirect struct {
	Num    int
	Gen    int
	Object Object
}

func (i *Indirect) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", i.Num, i.Gen); err != nil {
		return err
	}
	if i.Object != nil {
		if err := i.Object.Write(w); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\nendobj\n"))
	return err
}

func (i *Indirect) Clone() Object {
	var obj Object
	if i.Object != nil {
		obj = i.Object.Clone()
	}
	return &Indirect{Num: i.Num, Gen: i.Gen, Object: obj}
}

// Ref returns the reference to this indirect object.
func (i *Indirect) Ref() Ref { return Ref{Num: i.Num, Gen: i.Gen} }

// Stream is a PDF stream: a dictionary plus raw data. Decoded carries the
// unfiltered data when the reader has applied stream filters.
type Stream struct {
	Dict    *Dict
	Data    []byte
	Decoded []byte
}

// NewStream builds a stream around data; a nil dict is allocated.
func NewStream(dict *Dict, data []byte) *Stream {
	if dict == nil {
		dict = NewDict()
	}
	return &Stream{Dict: dict, Data: data, Decoded: data}
}

func (s *Stream) Write(w io.Writer) error {
	s.Dict.Set("Length", Integer(len(s.Data)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\nstream\n")); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\nendstream"))
	return err
}

func (s *Stream) Clone() Object {
	data := make([]byte, len(s.Data))
	copy(data, s.Data)
	decoded := make([]byte, len(s.Decoded))
	copy(decoded, s.Decoded)
	return &Stream{Dict: s.Dict.Clone().(*Dict), Data: data, Decoded: decoded}
}

// DecodedData returns the unfiltered stream contents.
func (s *Stream) DecodedData() []byte {
	if len(s.Decoded) > 0 {
		return s.Decoded
	}
	return s.Data
}

// Rect is a PDF rectangle given by lower-left and upper-right corners.
type Rect struct {
	LLX, LLY, URX, URY float64
}

// ToArray converts the rectangle to its PDF array form.
func (r Rect) ToArray() Array {
	return Array{Real(r.LLX), Real(r.LLY), Real(r.URX), Real(r.URY)}
}

// Width returns the rectangle width.
func (r Rect) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rect) Height() float64 { return r.URY - r.LLY }

// RectFromArray reads a rectangle out of a 4-element numeric array.
func RectFromArray(a Array) (Rect, error) {
	if len(a) != 4 {
		return Rect{}, fmt.Errorf("rectangle needs 4 elements, got %d", len(a))
	}
	var v [4]float64
	for i, obj := range a {
		switch n := obj.(type) {
		case Integer:
			v[i] = float64(n)
		case Real:
			v[i] = float64(n)
		default:
			return Rect{}, fmt.Errorf("rectangle element %d is not numeric", i)
		}
	}
	return Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}, nil
}

// Trailer wraps the trailer dictionary with typed accessors.
type Trailer struct {
	*Dict
}

// Root returns the document catalog reference.
func (t *Trailer) Root() (Ref, bool) {
	r, ok := t.Get("Root").(Ref)
	return r, ok
}

// Info returns the document info reference.
func (t *Trailer) Info() (Ref, bool) {
	r, ok := t.Get("Info").(Ref)
	return r, ok
}

// Prev returns the offset of the previous xref section.
func (t *Trailer) Prev() (int64, bool) { return t.GetInt("Prev") }
