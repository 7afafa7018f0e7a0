package mime

import (
	"fmt"
	"strings"

	"github.com/realmail/realmail/internal/model"
)

// Reply composes a reply to a parsed message. Reply-all adds the
// original To and Cc recipients, excluding the sender's own address
// and de-duplicating case-insensitively. The original body is quoted
// below the new one, and the References chain is extended with the
// original Message-ID.
func Reply(original *ParsedMessage, from model.Address, textBody, htmlBody string, replyAll bool, attachments []model.Attachment) (model.ComposedMessage, error) {
	seen := map[string]bool{strings.ToLower(from.Addr()): true}

	var to []model.Address
	for _, a := range original.From {
		if addRecipient(seen, a) {
			to = append(to, a)
		}
	}

	var cc []model.Address
	if replyAll {
		for _, a := range original.To {
			if addRecipient(seen, a) {
				to = append(to, a)
			}
		}
		for _, a := range original.Cc {
			if addRecipient(seen, a) {
				cc = append(cc, a)
			}
		}
	}
	if len(to) == 0 {
		return model.ComposedMessage{}, fmt.Errorf("reply: original message has no usable sender")
	}

	references := append([]string(nil), original.References...)
	if original.MessageID != "" && !containsRef(references, original.MessageID) {
		references = append(references, original.MessageID)
	}

	if textBody != "" {
		textBody = textBody + "\n\n" + quoteText(original.TextBody)
	}
	if htmlBody != "" {
		quoted := original.HTMLBody
		if quoted == "" {
			quoted = original.TextBody
		}
		htmlBody = htmlBody + "<br><br>" + quoteHTML(quoted)
	}

	return Compose(Request{
		From:        from,
		To:          to,
		Cc:          cc,
		Subject:     replySubject(original.Subject),
		TextBody:    textBody,
		HTMLBody:    htmlBody,
		InReplyTo:   original.MessageID,
		References:  references,
		Attachments: attachments,
	})
}

// Forward composes a forward of a parsed message to new recipients,
// prepending the forwarded-message header block to the original body.
func Forward(original *ParsedMessage, from model.Address, to []model.Address, textBody string, attachments []model.Attachment) (model.ComposedMessage, error) {
	if len(to) == 0 {
		return model.ComposedMessage{}, fmt.Errorf("forward: no recipients")
	}

	body := forwardHeader(original) + "\n" + original.TextBody
	if textBody != "" {
		body = textBody + "\n\n" + body
	}

	return Compose(Request{
		From:        from,
		To:          to,
		Subject:     forwardSubject(original.Subject),
		TextBody:    body,
		Attachments: attachments,
	})
}

// addRecipient records the address, reporting whether it was new.
func addRecipient(seen map[string]bool, a model.Address) bool {
	key := strings.ToLower(a.Addr())
	if seen[key] {
		return false
	}
	seen[key] = true
	return true
}

func containsRef(refs []string, id string) bool {
	for _, r := range refs {
		if r == id {
			return true
		}
	}
	return false
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func forwardSubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "fwd:") {
		return subject
	}
	return "Fwd: " + subject
}

func quoteText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return "On previous message:\n" + strings.Join(lines, "\n")
}

func quoteHTML(html string) string {
	return `<blockquote style="border-left: 2px solid #ccc; padding-left: 10px; margin-left: 0;">` + html + `</blockquote>`
}

func forwardHeader(original *ParsedMessage) string {
	var from string
	if len(original.From) > 0 {
		from = original.From[0].String()
	}
	recipients := make([]string, len(original.To))
	for i, a := range original.To {
		recipients[i] = a.Addr()
	}
	var b strings.Builder
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "Date: %s\n", original.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(&b, "Subject: %s\n", original.Subject)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(recipients, ", "))
	return b.String()
}
