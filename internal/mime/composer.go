// Package mime builds outbound MIME messages and parses inbound ones.
// The composer emits the minimal structure the content needs: a single
// text part, multipart/alternative for plain+HTML, multipart/mixed
// once attachments are present.
package mime

import (
	"bytes"
	"fmt"
	stdmime "mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/realmail/realmail/internal/model"
)

const messageIDDomain = "realmail.local"

// Request describes one message to compose. Empty TextBody and
// HTMLBody mean the respective part is absent; a message with neither
// gets an empty text/plain part.
type Request struct {
	From    model.Address
	To      []model.Address
	Cc      []model.Address
	Bcc     []model.Address
	Subject string

	TextBody string
	HTMLBody string

	InReplyTo  string
	References []string

	Attachments []model.Attachment
}

// Compose serializes the request into a full MIME message. The
// Message-ID is generated fresh on every call; callers needing a
// stable ID must cache the returned value. Bcc recipients are carried
// on the result for envelope use and never serialized into headers.
func Compose(req Request) (model.ComposedMessage, error) {
	messageID := generateMessageID()

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(req.Subject)
	header.SetAddressList("From", []*mail.Address{mailAddress(req.From)})
	header.SetAddressList("To", mailAddresses(req.To))
	if len(req.Cc) > 0 {
		header.SetAddressList("Cc", mailAddresses(req.Cc))
	}
	header.SetMessageID(messageID)
	if req.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{trimMsgID(req.InReplyTo)})
	}
	if len(req.References) > 0 {
		refs := make([]string, len(req.References))
		for i, r := range req.References {
			refs[i] = trimMsgID(r)
		}
		header.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	if err := writeBody(&buf, header, req); err != nil {
		return model.ComposedMessage{}, err
	}

	return model.ComposedMessage{
		From:       req.From,
		To:         req.To,
		Cc:         req.Cc,
		Bcc:        req.Bcc,
		Subject:    req.Subject,
		MessageID:  "<" + messageID + ">",
		InReplyTo:  req.InReplyTo,
		References: req.References,
		Raw:        buf.Bytes(),
	}, nil
}

// writeBody serializes header and body in the minimal structure the
// content needs. Multipart boundaries are generated per message by the
// entity writer.
func writeBody(buf *bytes.Buffer, header mail.Header, req Request) error {
	hasText := req.TextBody != ""
	hasHTML := req.HTMLBody != ""

	switch {
	case len(req.Attachments) > 0:
		header.Set("Content-Type", "multipart/mixed")
		w, err := message.CreateWriter(buf, header.Header)
		if err != nil {
			return fmt.Errorf("creating message writer: %w", err)
		}
		if hasText && hasHTML {
			if err := writeAlternative(w, req.TextBody, req.HTMLBody); err != nil {
				return err
			}
		} else {
			contentType, body := singleBody(req)
			if err := writeTextPart(w, contentType, body); err != nil {
				return err
			}
		}
		for _, att := range req.Attachments {
			if err := writeAttachment(w, att); err != nil {
				return err
			}
		}
		return w.Close()

	case hasText && hasHTML:
		header.Set("Content-Type", "multipart/alternative")
		w, err := message.CreateWriter(buf, header.Header)
		if err != nil {
			return fmt.Errorf("creating message writer: %w", err)
		}
		if err := writeTextPart(w, "text/plain", req.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(w, "text/html", req.HTMLBody); err != nil {
			return err
		}
		return w.Close()

	default:
		contentType, body := singleBody(req)
		setTextHeaders(&header.Header, contentType)
		w, err := message.CreateWriter(buf, header.Header)
		if err != nil {
			return fmt.Errorf("creating message writer: %w", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
		return w.Close()
	}
}

// singleBody picks the only body present, defaulting to an empty
// plain-text part.
func singleBody(req Request) (string, string) {
	if req.HTMLBody != "" && req.TextBody == "" {
		return "text/html", req.HTMLBody
	}
	return "text/plain", req.TextBody
}

// writeAlternative nests a multipart/alternative with the plain part
// first so readers preferring richer formats pick the HTML one.
func writeAlternative(w *message.Writer, text, html string) error {
	var h message.Header
	h.Set("Content-Type", "multipart/alternative")
	alt, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating alternative part: %w", err)
	}
	if err := writeTextPart(alt, "text/plain", text); err != nil {
		return err
	}
	if err := writeTextPart(alt, "text/html", html); err != nil {
		return err
	}
	return alt.Close()
}

func writeTextPart(w *message.Writer, contentType, body string) error {
	var h message.Header
	setTextHeaders(&h, contentType)
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := pw.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return pw.Close()
}

func writeAttachment(w *message.Writer, att model.Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := "attachment"
	if att.Inline {
		if att.ContentID == "" {
			return fmt.Errorf("inline attachment %q requires a Content-ID", att.Filename)
		}
		disposition = "inline"
	}

	var h message.Header
	h.Set("Content-Type", stdmime.FormatMediaType(contentType, map[string]string{"name": att.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", stdmime.FormatMediaType(disposition, map[string]string{"filename": att.Filename}))
	if att.Inline {
		h.Set("Content-Id", "<"+trimMsgID(att.ContentID)+">")
	}

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating attachment %q: %w", att.Filename, err)
	}
	if _, err := pw.Write(att.Data); err != nil {
		return fmt.Errorf("writing attachment %q: %w", att.Filename, err)
	}
	return pw.Close()
}

// setTextHeaders declares one text part: UTF-8, quoted-printable on
// the wire.
func setTextHeaders(h *message.Header, contentType string) {
	h.Set("Content-Type", stdmime.FormatMediaType(contentType, map[string]string{"charset": "utf-8"}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

// generateMessageID returns a fresh Message-ID without angle brackets.
func generateMessageID() string {
	unique := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s.%d@%s", unique, time.Now().Unix(), messageIDDomain)
}

// trimMsgID strips the angle brackets from a Message-ID header value.
func trimMsgID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func mailAddress(a model.Address) *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Addr()}
}

func mailAddresses(addrs []model.Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = mailAddress(a)
	}
	return out
}
