package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

// ProtocolError is a malformed or unexpected server response. Protocol
// errors are not retryable; they indicate a server or parser bug.
type ProtocolError struct {
	Reason string
	Line   []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %q", e.Reason, e.Line)
}

// RespKind classifies a server response unit.
type RespKind int

const (
	// Tagged completes a command: "A0001 OK done".
	Tagged RespKind = iota

	// Untagged is a server event: "* 23 EXISTS", "* CAPABILITY ...".
	Untagged

	// Continuation prompts the client for more data: "+ go ahead".
	Continuation
)

// Response is one framed server response. For untagged responses the
// payload after "* " is left raw in Fields input form; sessions parse
// it with ParseFields as needed.
type Response struct {
	Kind   RespKind
	Tag    string
	Status string // OK, NO, BAD, BYE or PREAUTH, if any
	Code   string // bracketed response code text, e.g. "UIDVALIDITY 3857529045"
	Text   string
	Raw    []byte // payload after the tag or "* " prefix, literals spliced in
}

// IsStatus reports whether the response carries the given status word.
func (r *Response) IsStatus(status string) bool {
	return r.Status == status
}

// ReadUnit reads one logical response unit: a line plus, when the line
// ends with a "{n}" literal marker, exactly n bytes of literal payload
// and the continuation of the line, repeated until no literal remains.
// Literals are returned in place, preceded by their marker and a CRLF,
// so the unit is self-describing for ParseFields.
func ReadUnit(c *Conn) ([]byte, error) {
	var unit []byte
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		unit = append(unit, line...)

		n, ok := trailingLiteral(line)
		if !ok {
			return unit, nil
		}
		unit = append(unit, '\r', '\n')
		lit := make([]byte, n)
		if err := c.ReadFull(lit); err != nil {
			return nil, err
		}
		unit = append(unit, lit...)
	}
}

// trailingLiteral reports whether line ends with a literal marker
// "{n}" and returns the declared byte count.
func trailingLiteral(line []byte) (int, bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(line[open+1 : len(line)-1]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseResponse classifies one unit into a tagged response, an
// untagged response or a continuation prompt.
func ParseResponse(unit []byte) (*Response, error) {
	switch {
	case len(unit) == 0:
		return nil, &ProtocolError{Reason: "empty response", Line: unit}

	case unit[0] == '+':
		text := unit[1:]
		if len(text) > 0 && text[0] == ' ' {
			text = text[1:]
		}
		return &Response{Kind: Continuation, Text: string(text)}, nil

	case bytes.HasPrefix(unit, []byte("* ")):
		resp := &Response{Kind: Untagged, Raw: unit[2:]}
		parseStatusText(resp)
		return resp, nil

	default:
		sp := bytes.IndexByte(unit, ' ')
		if sp <= 0 {
			return nil, &ProtocolError{Reason: "missing tag separator", Line: unit}
		}
		resp := &Response{Kind: Tagged, Tag: string(unit[:sp]), Raw: unit[sp+1:]}
		parseStatusText(resp)
		if resp.Status == "" {
			return nil, &ProtocolError{Reason: "tagged response without status", Line: unit}
		}
		return resp, nil
	}
}

// statusWords are the condition words a status response can open with.
var statusWords = map[string]bool{
	"OK": true, "NO": true, "BAD": true, "BYE": true, "PREAUTH": true,
}

// parseStatusText fills Status, Code and Text when the raw payload is a
// status response, e.g. "OK [UIDNEXT 4392] Predicted next UID".
func parseStatusText(r *Response) {
	rest := r.Raw
	sp := bytes.IndexByte(rest, ' ')
	word := rest
	if sp >= 0 {
		word = rest[:sp]
	}
	if !statusWords[string(word)] {
		return
	}
	r.Status = string(word)
	if sp < 0 {
		return
	}
	rest = rest[sp+1:]

	if len(rest) > 0 && rest[0] == '[' {
		if end := bytes.IndexByte(rest, ']'); end > 0 {
			r.Code = string(rest[1:end])
			rest = rest[end+1:]
			if len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}
		}
	}
	r.Text = string(rest)
}
