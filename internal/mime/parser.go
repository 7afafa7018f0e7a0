package mime

import (
	"bytes"
	"fmt"
	"io"
	stdmime "mime"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"

	"github.com/realmail/realmail/internal/model"
)

// AttachmentInfo describes one attachment part without its content.
// The section path addresses the part for an on-demand body fetch.
type AttachmentInfo struct {
	Section     string // IMAP body section path, e.g. "2" or "1.2"
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Size        int64
}

// ParsedMessage is the structured form of one raw message.
type ParsedMessage struct {
	MessageID  string
	InReplyTo  string
	References []string

	From    []model.Address
	To      []model.Address
	Cc      []model.Address
	ReplyTo []model.Address
	Subject string
	Date    time.Time

	TextBody string
	HTMLBody string

	Attachments []AttachmentInfo
}

var msgIDPattern = regexp.MustCompile(`<[^>]+>`)

// Parse decodes a raw message into headers, the first plain and HTML
// bodies, and attachment metadata. Undecodable charsets degrade to a
// Latin-1 reading instead of failing: some text always comes out.
func Parse(raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	out := &ParsedMessage{}
	parseHeaders(entity, out)
	walkParts(entity, "", out)
	return out, nil
}

func parseHeaders(entity *message.Entity, out *ParsedMessage) {
	h := entity.Header
	out.MessageID = h.Get("Message-Id")
	out.InReplyTo = h.Get("In-Reply-To")
	out.References = msgIDPattern.FindAllString(h.Get("References"), -1)
	out.Subject = decodeHeaderValue(h.Get("Subject"))
	out.From = parseAddressHeader(h.Get("From"))
	out.To = parseAddressHeader(h.Get("To"))
	out.Cc = parseAddressHeader(h.Get("Cc"))
	out.ReplyTo = parseAddressHeader(h.Get("Reply-To"))
	if date := h.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			out.Date = t
		}
	}
}

// walkParts descends the entity tree assigning IMAP-style section
// paths: children of a multipart are numbered from 1, nested parts
// join with dots.
func walkParts(entity *message.Entity, section string, out *ParsedMessage) {
	if mr := entity.MultipartReader(); mr != nil {
		for i := 1; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return
			}
			child := fmt.Sprintf("%d", i)
			if section != "" {
				child = section + "." + child
			}
			walkParts(part, child, out)
		}
	}

	if section == "" {
		// Non-multipart message: the whole body is section 1.
		section = "1"
	}
	leafPart(entity, section, out)
}

func leafPart(entity *message.Entity, section string, out *ParsedMessage) {
	contentType, params, err := entity.Header.ContentType()
	if err != nil {
		contentType = "text/plain"
	}
	disposition, dispParams, _ := entity.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}

	if filename != "" || disposition == "attachment" {
		contentID := strings.Trim(entity.Header.Get("Content-Id"), "<>")
		if filename == "" {
			filename = fmt.Sprintf("attachment_%d", len(out.Attachments))
		}
		out.Attachments = append(out.Attachments, AttachmentInfo{
			Section:     section,
			Filename:    decodeHeaderValue(filename),
			ContentType: contentType,
			ContentID:   contentID,
			Inline:      disposition == "inline",
			Size:        int64(len(body)),
		})
		return
	}

	switch {
	case contentType == "text/plain" && out.TextBody == "":
		out.TextBody = decodeText(body, params["charset"])
	case contentType == "text/html" && out.HTMLBody == "":
		out.HTMLBody = decodeText(body, params["charset"])
	}
}

// decodeText converts a text body to a string: valid UTF-8 passes
// through, then the declared charset is tried, then Latin-1, which
// never fails.
func decodeText(body []byte, declared string) string {
	if utf8.Valid(body) {
		return string(body)
	}
	if declared != "" {
		if r, err := charset.Reader(declared, bytes.NewReader(body)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}
	return decodeLatin1(body)
}

func decodeLatin1(body []byte) string {
	var b strings.Builder
	b.Grow(len(body))
	for _, c := range body {
		b.WriteRune(rune(c))
	}
	return b.String()
}

func decodeHeaderValue(val string) string {
	dec := stdmime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(val)
	if err != nil {
		return val
	}
	return decoded
}

func parseAddressHeader(val string) []model.Address {
	if val == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(val)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(parsed))
	for _, a := range parsed {
		addr := model.ParseAddr(a.Address)
		addr.Name = a.Name
		out = append(out, addr)
	}
	return out
}

// Snippet extracts a short plain-text preview from a message body,
// stripping tags from the HTML body when no plain text exists.
func Snippet(textBody, htmlBody string, maxLen int) string {
	text := textBody
	if text == "" && htmlBody != "" {
		text = htmlTagPattern.ReplaceAllString(htmlBody, " ")
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxLen {
		return text
	}
	// Never cut inside a multi-byte rune.
	for maxLen > 0 && !utf8.RuneStart(text[maxLen]) {
		maxLen--
	}
	cut := text[:maxLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)
