package model

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Address is one mailbox address with an optional display name.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// Addr returns the bare mailbox@host form.
func (a Address) Addr() string {
	return a.Mailbox + "@" + a.Host
}

// String renders the address for display or header use.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr()
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Addr())
}

// ParseAddr splits a bare mailbox@host string into an Address. The
// display name is left empty. Input without an @ is treated as a
// mailbox with an empty host rather than rejected.
func ParseAddr(s string) Address {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			return Address{Mailbox: s[:i], Host: s[i+1:]}
		}
	}
	return Address{Mailbox: s}
}

// MessageEnvelope is the synchronized summary of one message, produced
// by parsing UID FETCH responses. It is never constructed ad hoc.
type MessageEnvelope struct {
	UID          imap.UID
	Flags        []imap.Flag
	InternalDate time.Time
	Size         int64

	Subject   string
	From      []Address
	To        []Address
	Cc        []Address
	Date      time.Time
	MessageID string
	InReplyTo string

	// Snippet is local preview text derived from the body. It is
	// filled in from storage, never from the wire.
	Snippet string
}

// HasFlag reports whether the envelope carries the given flag.
func (e MessageEnvelope) HasFlag(flag imap.Flag) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Seen reports whether the message has been read.
func (e MessageEnvelope) Seen() bool {
	return e.HasFlag(imap.FlagSeen)
}
