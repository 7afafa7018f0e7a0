package imapsession

import (
	"context"
	"fmt"
	stdmime "mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/charset"

	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/wire"
)

const internalDateLayout = "2-Jan-2006 15:04:05 -0700"

// headerDecoder decodes RFC 2047 encoded words using go-message's
// charset table.
var headerDecoder = stdmime.WordDecoder{CharsetReader: charset.Reader}

// ListMailboxes lists every mailbox with its hierarchy delimiter and
// attribute set. A mailbox is selectable unless \Noselect is present.
func (s *Session) ListMailboxes(ctx context.Context) ([]model.MailboxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MailboxState
	_, err := s.exec(ctx, `LIST "" "*"`, func(r *wire.Response) {
		rest, ok := strings.CutPrefix(string(r.Raw), "LIST ")
		if !ok {
			return
		}
		fields, err := wire.ParseFields([]byte(rest))
		if err != nil || len(fields) < 3 || fields[0].Kind != wire.FieldList {
			s.log.WithField("line", rest).Warn("Skipping unparsable LIST response")
			return
		}

		attrs := make([]string, 0, len(fields[0].List))
		selectable := true
		for _, f := range fields[0].List {
			attrs = append(attrs, f.AsString())
			if f.IsAtom(`\Noselect`) {
				selectable = false
			}
		}
		path := fields[2].AsString()
		out = append(out, model.MailboxState{
			Path:       path,
			Delimiter:  fields[1].AsString(),
			Attributes: attrs,
			Selectable: selectable,
			Type:       model.DetectFolderType(path, attrs),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHeaders fetches UID, flags, internal date, size and envelope
// for every message in the UID set. Servers may return fewer messages
// than requested when messages were expunged; the returned envelopes
// are always a subset of the requested set.
func (s *Session) FetchHeaders(ctx context.Context, set imap.UIDSet) ([]model.MessageEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := fmt.Sprintf("UID FETCH %s (UID FLAGS INTERNALDATE RFC822.SIZE ENVELOPE)", set.String())

	var out []model.MessageEnvelope
	_, err := s.exec(ctx, cmd, func(r *wire.Response) {
		items, ok := fetchItems(r)
		if !ok {
			return
		}
		env, err := parseEnvelopeItems(items)
		if err != nil {
			s.log.WithError(err).Warn("Skipping unparsable FETCH response")
			return
		}
		if !set.Contains(env.UID) {
			s.log.WithField("uid", env.UID).Warn("Dropping FETCH result outside requested range")
			return
		}
		out = append(out, env)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchFlags fetches the current flag set for every message in the UID
// set.
func (s *Session) FetchFlags(ctx context.Context, set imap.UIDSet) (map[imap.UID][]imap.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[imap.UID][]imap.Flag)
	cmd := fmt.Sprintf("UID FETCH %s (UID FLAGS)", set.String())
	_, err := s.exec(ctx, cmd, func(r *wire.Response) {
		items, ok := fetchItems(r)
		if !ok {
			return
		}
		var uid imap.UID
		var flags []imap.Flag
		for i := 0; i+1 < len(items); i += 2 {
			switch {
			case items[i].IsAtom("UID"):
				if n, err := items[i+1].AsNumber(); err == nil {
					uid = imap.UID(n)
				}
			case items[i].IsAtom("FLAGS"):
				flags = parseFlagList(items[i+1])
			}
		}
		if uid != 0 && set.Contains(uid) {
			out[uid] = flags
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddFlags adds flags to every message in the set. Silent mode
// suppresses the per-message echo; the caller already knows the
// intended state.
func (s *Session) AddFlags(ctx context.Context, set imap.UIDSet, flags []imap.Flag) error {
	return s.storeFlags(ctx, set, "+FLAGS.SILENT", flags)
}

// RemoveFlags removes flags from every message in the set.
func (s *Session) RemoveFlags(ctx context.Context, set imap.UIDSet, flags []imap.Flag) error {
	return s.storeFlags(ctx, set, "-FLAGS.SILENT", flags)
}

func (s *Session) storeFlags(ctx context.Context, set imap.UIDSet, op string, flags []imap.Flag) error {
	// An empty flag list has no syntactic rendering; there is nothing
	// to change.
	if len(flags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	toks := make([]string, len(flags))
	for i, f := range flags {
		toks[i] = string(f)
	}
	cmd := fmt.Sprintf("UID STORE %s %s (%s)", set.String(), op, strings.Join(toks, " "))
	_, err := s.exec(ctx, cmd, nil)
	return err
}

// FetchBodySection fetches the raw bytes of one MIME part, identified
// by its section path (e.g. "1.2", or "" for the whole message). The
// bytes are returned undecoded; the MIME parser owns decoding.
func (s *Session) FetchBodySection(ctx context.Context, uid imap.UID, section string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := imap.UIDSetNum(uid)
	cmd := fmt.Sprintf("UID FETCH %s (BODY.PEEK[%s])", set.String(), section)

	var body []byte
	var found bool
	_, err := s.exec(ctx, cmd, func(r *wire.Response) {
		items, ok := fetchItems(r)
		if !ok {
			return
		}
		for i := 0; i+1 < len(items); i += 2 {
			if items[i].Kind == wire.FieldAtom && strings.HasPrefix(strings.ToUpper(items[i].Atom), "BODY[") {
				body = items[i+1].Str
				found = true
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ServerError{Command: "FETCH", Status: "NO", Text: fmt.Sprintf("no body section for UID %d", uid)}
	}
	return body, nil
}

// SearchUIDs returns the UIDs of all messages with UID greater than
// since, in ascending order.
func (s *Session) SearchUIDs(ctx context.Context, since imap.UID) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	criteria := "ALL"
	if since > 0 {
		criteria = fmt.Sprintf("UID %d:*", since+1)
	}

	var uids []imap.UID
	_, err := s.exec(ctx, "UID SEARCH "+criteria, func(r *wire.Response) {
		rest, ok := strings.CutPrefix(string(r.Raw), "SEARCH")
		if !ok {
			return
		}
		for _, tok := range strings.Fields(rest) {
			if n, err := parseUint32(tok); err == nil {
				if uid := imap.UID(n); uid > since {
					uids = append(uids, uid)
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// Append uploads a message to a mailbox via the literal continuation
// exchange. It returns the assigned UID when the server reports an
// APPENDUID code (UIDPLUS), and 0 otherwise.
func (s *Session) Append(ctx context.Context, path string, flags []imap.Flag, raw []byte) (imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, &wire.ConnError{Op: "append", Err: fmt.Errorf("not connected")}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	quoted, err := quote(path)
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", path, err)
	}
	toks := make([]string, len(flags))
	for i, f := range flags {
		toks[i] = string(f)
	}
	tag := s.tags.Next()
	line := fmt.Sprintf("%s APPEND %s (%s) {%d}", tag, quoted, strings.Join(toks, " "), len(raw))
	if err := s.writeLine(line); err != nil {
		return 0, err
	}

	sent := false
	for {
		resp, err := s.readResponse()
		if err != nil {
			s.reset()
			return 0, err
		}
		switch resp.Kind {
		case wire.Continuation:
			if sent {
				s.reset()
				return 0, &wire.ProtocolError{Reason: "unexpected continuation", Line: []byte(resp.Text)}
			}
			if err := s.conn.Write(append(raw, '\r', '\n')); err != nil {
				s.reset()
				return 0, err
			}
			sent = true

		case wire.Untagged:
			s.handleUntagged(resp, nil)

		case wire.Tagged:
			if resp.Tag != tag {
				s.reset()
				return 0, &wire.ProtocolError{Reason: "response for unknown tag", Line: resp.Raw}
			}
			if !resp.IsStatus("OK") {
				return 0, &ServerError{Command: "APPEND", Status: resp.Status, Code: resp.Code, Text: resp.Text}
			}
			return parseAppendUID(resp.Code), nil
		}
	}
}

// Expunge permanently removes messages flagged \Deleted from the
// selected mailbox.
func (s *Session) Expunge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, "EXPUNGE", nil)
	return err
}

// fetchItems extracts the data item list from an untagged FETCH
// response ("23 FETCH (UID 7 ...)").
func fetchItems(r *wire.Response) ([]wire.Field, bool) {
	raw := string(r.Raw)
	_, rest, ok := strings.Cut(raw, " ")
	if !ok || !strings.HasPrefix(strings.ToUpper(rest), "FETCH ") {
		return nil, false
	}
	fields, err := wire.ParseFields(r.Raw[len(raw)-len(rest)+len("FETCH "):])
	if err != nil || len(fields) != 1 || fields[0].Kind != wire.FieldList {
		return nil, false
	}
	return fields[0].List, true
}

// parseEnvelopeItems builds a MessageEnvelope from FETCH data items.
func parseEnvelopeItems(items []wire.Field) (model.MessageEnvelope, error) {
	var env model.MessageEnvelope
	for i := 0; i+1 < len(items); i += 2 {
		name, value := items[i], items[i+1]
		switch {
		case name.IsAtom("UID"):
			n, err := value.AsNumber()
			if err != nil {
				return env, err
			}
			env.UID = imap.UID(n)

		case name.IsAtom("FLAGS"):
			env.Flags = parseFlagList(value)

		case name.IsAtom("INTERNALDATE"):
			if t, err := time.Parse(internalDateLayout, strings.TrimSpace(value.AsString())); err == nil {
				env.InternalDate = t
			}

		case name.IsAtom("RFC822.SIZE"):
			n, err := value.AsNumber()
			if err != nil {
				return env, err
			}
			env.Size = int64(n)

		case name.IsAtom("ENVELOPE"):
			if value.Kind != wire.FieldList || len(value.List) < 10 {
				return env, &wire.ProtocolError{Reason: "malformed ENVELOPE"}
			}
			parseEnvelopeList(&env, value.List)
		}
	}
	if env.UID == 0 {
		return env, &wire.ProtocolError{Reason: "FETCH response without UID"}
	}
	return env, nil
}

// parseEnvelopeList fills the envelope from the ten ENVELOPE items:
// date, subject, from, sender, reply-to, to, cc, bcc, in-reply-to,
// message-id.
func parseEnvelopeList(env *model.MessageEnvelope, list []wire.Field) {
	if date := list[0].AsString(); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			env.Date = t
		}
	}
	env.Subject = decodeHeader(list[1].AsString())
	env.From = parseAddressList(list[2])
	env.To = parseAddressList(list[5])
	env.Cc = parseAddressList(list[6])
	env.InReplyTo = list[8].AsString()
	env.MessageID = list[9].AsString()
}

// parseAddressList converts an ENVELOPE address list: each address is
// (name adl mailbox host).
func parseAddressList(f wire.Field) []model.Address {
	if f.Kind != wire.FieldList {
		return nil
	}
	var out []model.Address
	for _, item := range f.List {
		if item.Kind != wire.FieldList || len(item.List) < 4 {
			continue
		}
		mailbox := item.List[2].AsString()
		host := item.List[3].AsString()
		if mailbox == "" || host == "" {
			// Group syntax markers have NIL mailbox or host.
			continue
		}
		out = append(out, model.Address{
			Name:    decodeHeader(item.List[0].AsString()),
			Mailbox: mailbox,
			Host:    host,
		})
	}
	return out
}

func parseFlagList(f wire.Field) []imap.Flag {
	if f.Kind != wire.FieldList {
		return nil
	}
	flags := make([]imap.Flag, 0, len(f.List))
	for _, item := range f.List {
		flags = append(flags, imap.Flag(item.AsString()))
	}
	return flags
}

// parseAppendUID extracts the new UID from an "APPENDUID <validity>
// <uid>" response code.
func parseAppendUID(code string) imap.UID {
	fields := strings.Fields(code)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "APPENDUID") {
		return 0
	}
	n, err := parseUint32(fields[2])
	if err != nil {
		return 0
	}
	return imap.UID(n)
}

func decodeHeader(val string) string {
	decoded, err := headerDecoder.DecodeHeader(val)
	if err != nil {
		return val
	}
	return decoded
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
