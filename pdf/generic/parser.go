package generic

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnexpectedEOF is returned when the input ends inside an object.
var ErrUnexpectedEOF = errors.New("unexpected end of input")

// Parser reads PDF objects out of a byte slice.
type Parser struct {
	data []byte
	pos  int
}

// NewParser creates a parser over data starting at offset 0.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Seek positions the parser at an absolute offset.
func (p *Parser) Seek(offset int64) {
	p.pos = int(offset)
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

func (p *Parser) readByte() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, ErrUnexpectedEOF
	}
	b := p.data[p.pos]
	p.pos++
	return b, nil
}

func (p *Parser) unreadByte() {
	if p.pos > 0 {
		p.pos--
	}
}

func (p *Parser) peekByte() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, ErrUnexpectedEOF
	}
	return p.data[p.pos], nil
}

func isWhitespace(b byte) bool {
	return b == 0 || b == '\t' || b == '\n' || b == '\f' || b == '\r' || b == ' '
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) {
			p.pos++
			continue
		}
		if b == '%' {
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
			continue
		}
		break
	}
}

// ReadToken reads a regular token up to the next whitespace or delimiter.
func (p *Parser) ReadToken() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseObject parses the next object, dispatching on its first byte.
func (p *Parser) ParseObject() (Object, error) {
	p.SkipWhitespace()
	b, err := p.peekByte()
	if err != nil {
		return nil, err
	}
	switch {
	case b == '/':
		return p.parseName()
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDict()
		}
		return p.parseHexString()
	case b == '[':
		return p.parseArray()
	case b >= '0' && b <= '9', b == '+', b == '-', b == '.':
		return p.ParseObjectOrReference()
	case b == 't' || b == 'f':
		return p.parseKeyword()
	case b == 'n':
		return p.parseKeyword()
	}
	return nil, fmt.Errorf("unexpected byte %q at offset %d", b, p.pos)
}

func (p *Parser) parseKeyword() (Object, error) {
	tok := p.ReadToken()
	switch tok {
	case "true":
		return Boolean(true), nil
	case "false":
		return Boolean(false), nil
	case "null":
		return Null{}, nil
	}
	return nil, fmt.Errorf("unknown keyword %q at offset %d", tok, p.pos)
}

func (p *Parser) parseNumber() (Object, error) {
	tok := p.ReadToken()
	if tok == "" {
		return nil, fmt.Errorf("empty number at offset %d", p.pos)
	}
	if bytes.ContainsAny([]byte(tok), ".") {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad real %q: %w", tok, err)
		}
		return Real(f), nil
	}
	i, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad integer %q: %w", tok, err)
	}
	return Integer(i), nil
}

// ParseObjectOrReference parses a number and, when it is followed by a second
// integer and the keyword R, folds the three tokens into a reference. The
// parser backtracks when the lookahead does not form a reference.
func (p *Parser) ParseObjectOrReference() (Object, error) {
	first, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	num, ok := first.(Integer)
	if !ok || num < 0 {
		return first, nil
	}
	save := p.pos
	p.SkipWhitespace()
	genTok := p.ReadToken()
	gen, err := strconv.Atoi(genTok)
	if err != nil || gen < 0 {
		p.pos = save
		return first, nil
	}
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' {
		next := p.pos + 1
		if next >= len(p.data) || isWhitespace(p.data[next]) || isDelimiter(p.data[next]) {
			p.pos = next
			return Ref{Num: int(num), Gen: gen}, nil
		}
	}
	p.pos = save
	return first, nil
}

func (p *Parser) parseName() (Object, error) {
	if _, err := p.readByte(); err != nil { // consume '/'
		return nil, err
	}
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
		if b == '#' && p.pos+1 < len(p.data) {
			hi := hexVal(p.data[p.pos])
			lo := hexVal(p.data[p.pos+1])
			if hi >= 0 && lo >= 0 {
				buf.WriteByte(byte(hi<<4 | lo))
				p.pos += 2
				continue
			}
		}
		buf.WriteByte(b)
	}
	return Name(buf.String()), nil
}

func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}

func (p *Parser) parseLiteralString() (Object, error) {
	if _, err := p.readByte(); err != nil { // consume '('
		return nil, err
	}
	var buf bytes.Buffer
	depth := 1
	for {
		b, err := p.readByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case '\\':
			esc, err := p.readByte()
			if err != nil {
				return nil, err
			}
			switch esc {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '(', ')', '\\':
				buf.WriteByte(esc)
			case '\r':
				// line continuation, swallow an optional LF
				if n, err := p.peekByte(); err == nil && n == '\n' {
					p.pos++
				}
			case '\n':
				// line continuation
			default:
				if esc >= '0' && esc <= '7' {
					val := int(esc - '0')
					for i := 0; i < 2; i++ {
						n, err := p.peekByte()
						if err != nil || n < '0' || n > '7' {
							break
						}
						val = val*8 + int(n-'0')
						p.pos++
					}
					buf.WriteByte(byte(val))
				} else {
					buf.WriteByte(esc)
				}
			}
		case '(':
			depth++
			buf.WriteByte(b)
		case ')':
			depth--
			if depth == 0 {
				return &String{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(b)
		default:
			buf.WriteByte(b)
		}
	}
}

func (p *Parser) parseHexString() (Object, error) {
	if _, err := p.readByte(); err != nil { // consume '<'
		return nil, err
	}
	var digits []byte
	for {
		b, err := p.readByte()
		if err != nil {
			return nil, err
		}
		if b == '>' {
			break
		}
		if isWhitespace(b) {
			continue
		}
		if hexVal(b) < 0 {
			return nil, fmt.Errorf("bad hex digit %q at offset %d", b, p.pos)
		}
		digits = append(digits, b)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := 0; i < len(out); i++ {
		out[i] = byte(hexVal(digits[2*i])<<4 | hexVal(digits[2*i+1]))
	}
	return &String{Value: out, Hex: true}, nil
}

func (p *Parser) parseArray() (Object, error) {
	if _, err := p.readByte(); err != nil { // consume '['
		return nil, err
	}
	arr := Array{}
	for {
		p.SkipWhitespace()
		b, err := p.peekByte()
		if err != nil {
			return nil, err
		}
		if b == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseDict() (Object, error) {
	p.pos += 2 // consume '<<'
	dict := NewDict()
	for {
		p.SkipWhitespace()
		b, err := p.peekByte()
		if err != nil {
			return nil, err
		}
		if b == '>' {
			if p.pos+1 < len(p.data) && p.data[p.pos+1] == '>' {
				p.pos += 2
				return dict, nil
			}
			return nil, fmt.Errorf("lone '>' in dictionary at offset %d", p.pos)
		}
		if b != '/' {
			return nil, fmt.Errorf("dictionary key must be a name at offset %d", p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		dict.Set(string(key.(Name)), value)
	}
}

// ParseIndirectObject parses an "N G obj ... endobj" definition at the current
// offset, including the stream body when the object is a stream. lengthFn
// resolves an indirect /Length when the value is a reference; it may be nil.
func (p *Parser) ParseIndirectObject(lengthFn func(Ref) (int64, error)) (*Indirect, error) {
	p.SkipWhitespace()
	numTok := p.ReadToken()
	num, err := strconv.Atoi(numTok)
	if err != nil {
		return nil, fmt.Errorf("bad object number %q at offset %d", numTok, p.pos)
	}
	genTok := p.ReadToken()
	gen, err := strconv.Atoi(genTok)
	if err != nil {
		return nil, fmt.Errorf("bad generation %q at offset %d", genTok, p.pos)
	}
	if kw := p.ReadToken(); kw != "obj" {
		return nil, fmt.Errorf("expected obj keyword, got %q at offset %d", kw, p.pos)
	}
	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	p.SkipWhitespace()
	if bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
		dict, ok := obj.(*Dict)
		if !ok {
			return nil, fmt.Errorf("stream without dictionary in object %d", num)
		}
		p.pos += len("stream")
		if p.pos < len(p.data) && p.data[p.pos] == '\r' {
			p.pos++
		}
		if p.pos < len(p.data) && p.data[p.pos] == '\n' {
			p.pos++
		}
		var length int64
		switch lv := dict.Get("Length").(type) {
		case Integer:
			length = int64(lv)
		case Ref:
			if lengthFn == nil {
				return nil, fmt.Errorf("indirect /Length in object %d cannot be resolved", num)
			}
			length, err = lengthFn(lv)
			if err != nil {
				return nil, fmt.Errorf("resolving /Length of object %d: %w", num, err)
			}
		default:
			return nil, fmt.Errorf("object %d stream has no /Length", num)
		}
		if p.pos+int(length) > len(p.data) {
			return nil, ErrUnexpectedEOF
		}
		data := p.data[p.pos : p.pos+int(length)]
		p.pos += int(length)
		p.SkipWhitespace()
		if bytes.HasPrefix(p.data[p.pos:], []byte("endstream")) {
			p.pos += len("endstream")
		}
		obj = &Stream{Dict: dict, Data: data}
	}

	p.SkipWhitespace()
	if bytes.HasPrefix(p.data[p.pos:], []byte("endobj")) {
		p.pos += len("endobj")
	}
	return &Indirect{Num: num, Gen: gen, Object: obj}, nil
}
