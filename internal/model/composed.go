package model

import "github.com/bradenaw/juniper/xslices"

// Attachment is one file attached to an outbound message. Inline
// attachments are referenced from the HTML body by Content-ID.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

// ComposedMessage is an immutable serialized message produced by the
// composer. Bcc recipients appear only in the SMTP envelope; they are
// never present in the serialized headers.
type ComposedMessage struct {
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	Subject string

	MessageID  string
	InReplyTo  string
	References []string

	// Raw is the full serialized MIME message, CRLF line endings.
	Raw []byte
}

// EnvelopeRecipients returns every address the SMTP envelope must
// carry: To, Cc and Bcc.
func (m ComposedMessage) EnvelopeRecipients() []string {
	all := make([]Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return xslices.Map(all, Address.Addr)
}
