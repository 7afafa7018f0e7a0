package wire

import (
	"strconv"
	"strings"
)

// FieldKind identifies one IMAP data item form.
type FieldKind int

const (
	FieldAtom FieldKind = iota
	FieldString
	FieldList
	FieldNil
)

// Field is one parsed IMAP data item: an atom, a quoted or literal
// string, a parenthesized list, or NIL.
type Field struct {
	Kind FieldKind
	Atom string
	Str  []byte
	List []Field
}

// IsAtom reports whether the field is the given atom, case-insensitive.
func (f Field) IsAtom(name string) bool {
	return f.Kind == FieldAtom && strings.EqualFold(f.Atom, name)
}

// AsString returns the field's text for atom and string forms, and ""
// for NIL.
func (f Field) AsString() string {
	switch f.Kind {
	case FieldAtom:
		return f.Atom
	case FieldString:
		return string(f.Str)
	default:
		return ""
	}
}

// AsNumber parses the field as an unsigned decimal number.
func (f Field) AsNumber() (uint64, error) {
	n, err := strconv.ParseUint(f.AsString(), 10, 64)
	if err != nil {
		return 0, &ProtocolError{Reason: "expected number", Line: []byte(f.AsString())}
	}
	return n, nil
}

// fieldParser walks one response unit produced by ReadUnit.
type fieldParser struct {
	buf []byte
	pos int
}

// ParseFields parses a sequence of space-separated data items from a
// response unit. Literal payloads must appear in spliced form, as
// ReadUnit produces them.
func ParseFields(unit []byte) ([]Field, error) {
	p := &fieldParser{buf: unit}
	fields, err := p.parseSeq(false)
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// parseSeq parses items until end of input or, when inList is set, a
// closing parenthesis.
func (p *fieldParser) parseSeq(inList bool) ([]Field, error) {
	var fields []Field
	for {
		p.skipSpaces()
		if p.pos >= len(p.buf) {
			if inList {
				return nil, &ProtocolError{Reason: "unterminated list", Line: p.buf}
			}
			return fields, nil
		}
		if p.buf[p.pos] == ')' {
			if !inList {
				return nil, &ProtocolError{Reason: "unbalanced parenthesis", Line: p.buf}
			}
			p.pos++
			return fields, nil
		}
		f, err := p.parseField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
}

func (p *fieldParser) parseField() (Field, error) {
	switch c := p.buf[p.pos]; {
	case c == '(':
		p.pos++
		list, err := p.parseSeq(true)
		if err != nil {
			return Field{}, err
		}
		return Field{Kind: FieldList, List: list}, nil

	case c == '"':
		return p.parseQuoted()

	case c == '{':
		return p.parseLiteral()

	default:
		return p.parseAtom()
	}
}

func (p *fieldParser) parseQuoted() (Field, error) {
	p.pos++ // opening quote
	var out []byte
	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.buf) {
				return Field{}, &ProtocolError{Reason: "truncated escape", Line: p.buf}
			}
			out = append(out, p.buf[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return Field{Kind: FieldString, Str: out}, nil
		default:
			out = append(out, c)
			p.pos++
		}
	}
	return Field{}, &ProtocolError{Reason: "unterminated quoted string", Line: p.buf}
}

// parseLiteral consumes a "{n}" marker, the CRLF ReadUnit spliced in,
// and exactly n payload bytes.
func (p *fieldParser) parseLiteral() (Field, error) {
	close := -1
	for i := p.pos + 1; i < len(p.buf); i++ {
		if p.buf[i] == '}' {
			close = i
			break
		}
	}
	if close < 0 {
		return Field{}, &ProtocolError{Reason: "unterminated literal marker", Line: p.buf}
	}
	n, err := strconv.Atoi(string(p.buf[p.pos+1 : close]))
	if err != nil || n < 0 {
		return Field{}, &ProtocolError{Reason: "bad literal size", Line: p.buf}
	}
	p.pos = close + 1
	if p.pos+2 > len(p.buf) || p.buf[p.pos] != '\r' || p.buf[p.pos+1] != '\n' {
		return Field{}, &ProtocolError{Reason: "literal marker not followed by CRLF", Line: p.buf}
	}
	p.pos += 2
	if p.pos+n > len(p.buf) {
		return Field{}, &ProtocolError{Reason: "short literal payload", Line: p.buf}
	}
	payload := p.buf[p.pos : p.pos+n]
	p.pos += n
	return Field{Kind: FieldString, Str: payload}, nil
}

// atomSpecials terminate an atom. Square brackets and dots are atom
// chars here so section specs like BODY[1.2] parse as one atom.
func atomSpecial(c byte) bool {
	return c == ' ' || c == '(' || c == ')' || c == '"' || c == '{'
}

func (p *fieldParser) parseAtom() (Field, error) {
	start := p.pos
	for p.pos < len(p.buf) && !atomSpecial(p.buf[p.pos]) {
		p.pos++
	}
	atom := string(p.buf[start:p.pos])
	if atom == "" {
		return Field{}, &ProtocolError{Reason: "empty atom", Line: p.buf}
	}
	if strings.EqualFold(atom, "NIL") {
		return Field{Kind: FieldNil}, nil
	}
	return Field{Kind: FieldAtom, Atom: atom}, nil
}

func (p *fieldParser) skipSpaces() {
	for p.pos < len(p.buf) && p.buf[p.pos] == ' ' {
		p.pos++
	}
}
