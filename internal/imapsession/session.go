// Package imapsession drives one IMAP connection through its state
// machine: Disconnected, Connected, Authenticated, MailboxSelected,
// with an orthogonal idling sub-state. At most one command is in
// flight per connection; a command's response lines are fully consumed
// before the next command is issued.
package imapsession

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/wire"
)

// State is the connection's position in the session state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
)

// ServerError is a tagged NO or BAD response. It carries the server's
// status text and never terminates the connection by itself.
type ServerError struct {
	Command string
	Status  string
	Code    string
	Text    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server returned %s: %s", e.Command, e.Status, e.Text)
}

// IsServerError reports whether err is a tagged NO/BAD rejection, as
// opposed to a transport failure.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// Mailbox is the status of the currently selected mailbox, parsed from
// the untagged responses accompanying SELECT/EXAMINE.
type Mailbox struct {
	Path        string
	Exists      uint32
	Recent      uint32
	Unseen      uint32
	UIDValidity uint32
	UIDNext     imap.UID
	ReadOnly    bool
}

// Session is one IMAP connection. Safe for concurrent use; commands
// are serialized internally.
type Session struct {
	mu   sync.Mutex
	conn *wire.Conn
	tags wire.TagGen

	state    State
	caps     map[string]bool
	selected *Mailbox

	// IdleRenew is how long an IDLE is held before being proactively
	// renewed. Servers may drop IDLE connections after ~29 minutes;
	// renewal at 25 stays clear of that.
	IdleRenew time.Duration

	log *logrus.Entry
}

// Dial connects to an IMAP server over implicit TLS, consumes the
// greeting and fetches the initial capability set. STARTTLS on port
// 143 is not supported; IMAP connections are always implicit TLS.
func Dial(ctx context.Context, host string, port int, tlsCfg *tls.Config) (*Session, error) {
	conn, err := wire.DialTLS(ctx, host, port, tlsCfg)
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, conn, host)
}

// NewSession wraps an established connection, consuming the greeting.
// Used directly by tests driving a scripted server.
func NewSession(ctx context.Context, conn *wire.Conn, host string) (*Session, error) {
	s := &Session{
		conn:      conn,
		caps:      make(map[string]bool),
		IdleRenew: 25 * time.Minute,
		log:       logrus.WithField("pkg", "imapsession").WithField("host", host),
	}

	greeting, err := s.readResponse()
	if err != nil {
		s.reset()
		return nil, err
	}
	switch {
	case greeting.Kind == wire.Untagged && greeting.IsStatus("OK"):
		s.state = StateConnected
	case greeting.Kind == wire.Untagged && greeting.IsStatus("PREAUTH"):
		s.state = StateAuthenticated
	default:
		s.reset()
		return nil, &wire.ProtocolError{Reason: "unexpected greeting", Line: greeting.Raw}
	}
	s.absorbCapabilityCode(greeting.Code)

	if len(s.caps) == 0 {
		if err := s.Capability(ctx); err != nil {
			s.reset()
			return nil, err
		}
	}
	s.log.WithField("state", s.state).Debug("Session established")
	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Caps reports whether the server advertised the given capability.
func (s *Session) Caps(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[strings.ToUpper(name)]
}

// SupportsIdle reports whether the server advertised IDLE.
func (s *Session) SupportsIdle() bool { return s.Caps("IDLE") }

// Capability issues CAPABILITY and replaces the cached capability set.
func (s *Session) Capability(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = make(map[string]bool)
	_, err := s.exec(ctx, "CAPABILITY", nil)
	return err
}

// Login authenticates with a plaintext password via LOGIN.
func (s *Session) Login(ctx context.Context, user, pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return fmt.Errorf("login: not in connected state")
	}

	quotedUser, err := quote(user)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	quotedPass, err := quote(pass)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	resp, err := s.exec(ctx, fmt.Sprintf("LOGIN %s %s", quotedUser, quotedPass), nil)
	if err != nil {
		return err
	}
	s.finishAuth(ctx, resp)
	return nil
}

// Authenticate runs a SASL exchange via AUTHENTICATE. The initial
// response is sent inline when the server advertises SASL-IR and the
// mechanism supports one; otherwise it is sent on the first
// continuation prompt.
func (s *Session) Authenticate(ctx context.Context, client sasl.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return fmt.Errorf("authenticate: not in connected state")
	}

	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("starting SASL client: %w", err)
	}

	cmd := "AUTHENTICATE " + mech
	pendingIR := ir
	if ir != nil && s.caps["SASL-IR"] {
		cmd += " " + base64.StdEncoding.EncodeToString(ir)
		pendingIR = nil
	}

	tag := s.tags.Next()
	if err := s.writeLine(tag + " " + cmd); err != nil {
		return err
	}

	for {
		resp, err := s.readResponse()
		if err != nil {
			s.reset()
			return err
		}
		switch resp.Kind {
		case wire.Continuation:
			var out []byte
			if pendingIR != nil {
				out = pendingIR
				pendingIR = nil
			} else {
				challenge, err := base64.StdEncoding.DecodeString(resp.Text)
				if err != nil {
					s.reset()
					return &wire.ProtocolError{Reason: "bad SASL challenge", Line: []byte(resp.Text)}
				}
				out, err = client.Next(challenge)
				if err != nil {
					// Abort the exchange, then consume the tagged BAD.
					_ = s.writeLine("*")
					continue
				}
			}
			if err := s.writeLine(base64.StdEncoding.EncodeToString(out)); err != nil {
				return err
			}

		case wire.Untagged:
			s.handleUntagged(resp, nil)

		case wire.Tagged:
			if resp.Tag != tag {
				s.reset()
				return &wire.ProtocolError{Reason: "response for unknown tag", Line: resp.Raw}
			}
			if !resp.IsStatus("OK") {
				return &ServerError{Command: "AUTHENTICATE", Status: resp.Status, Code: resp.Code, Text: resp.Text}
			}
			s.finishAuth(ctx, resp)
			return nil
		}
	}
}

// finishAuth transitions to Authenticated and re-fetches capabilities
// if the auth response did not advertise them: they may legitimately
// change after authentication.
func (s *Session) finishAuth(ctx context.Context, resp *wire.Response) {
	s.state = StateAuthenticated
	s.caps = make(map[string]bool)
	s.absorbCapabilityCode(resp.Code)
	if len(s.caps) == 0 {
		if _, err := s.exec(ctx, "CAPABILITY", nil); err != nil {
			s.log.WithError(err).Warn("Failed to refresh capabilities after auth")
		}
	}
	s.log.Info("Authenticated")
}

// Select selects a mailbox (EXAMINE when readOnly) and returns its
// parsed status.
func (s *Session) Select(ctx context.Context, path string, readOnly bool) (*Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated && s.state != StateSelected {
		return nil, fmt.Errorf("select %s: not authenticated", path)
	}

	verb := "SELECT"
	if readOnly {
		verb = "EXAMINE"
	}
	quoted, err := quote(path)
	if err != nil {
		return nil, fmt.Errorf("select %q: %w", path, err)
	}
	mb := &Mailbox{Path: path, ReadOnly: readOnly}

	resp, err := s.exec(ctx, verb+" "+quoted, func(r *wire.Response) {
		absorbMailboxStatus(mb, r)
	})
	if err != nil {
		s.selected = nil
		if s.state == StateSelected {
			s.state = StateAuthenticated
		}
		return nil, err
	}
	if resp.Code == "READ-ONLY" {
		mb.ReadOnly = true
	}
	s.selected = mb
	s.state = StateSelected
	return mb, nil
}

// Selected returns a snapshot of the currently selected mailbox, or
// nil when no mailbox is selected.
func (s *Session) Selected() *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	mb := *s.selected
	return &mb
}

// Noop issues NOOP, giving the server a window to deliver untagged
// updates.
func (s *Session) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, "NOOP", nil)
	return err
}

// Logout sends LOGOUT and closes the connection.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, err := s.exec(ctx, "LOGOUT", nil)
	s.reset()
	if err != nil && !wire.IsConnError(err) {
		return err
	}
	return nil
}

// Close tears the connection down without a LOGOUT exchange.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.reset()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// exec writes one tagged command and consumes responses until the
// matching tagged line. Untagged responses are folded into session
// state and passed to onUntagged when set. Callers hold s.mu.
func (s *Session) exec(ctx context.Context, cmd string, onUntagged func(*wire.Response)) (*wire.Response, error) {
	if s.conn == nil {
		return nil, &wire.ConnError{Op: "exec", Err: fmt.Errorf("not connected")}
	}
	// Cancellation checkpoint: commands are never interrupted mid-flight.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag := s.tags.Next()
	verb := cmd
	if i := strings.IndexByte(verb, ' '); i > 0 {
		verb = verb[:i]
	}
	if err := s.writeLine(tag + " " + cmd); err != nil {
		return nil, err
	}

	for {
		resp, err := s.readResponse()
		if err != nil {
			s.reset()
			return nil, err
		}
		switch resp.Kind {
		case wire.Untagged:
			s.handleUntagged(resp, onUntagged)

		case wire.Continuation:
			s.reset()
			return nil, &wire.ProtocolError{Reason: "unexpected continuation", Line: []byte(resp.Text)}

		case wire.Tagged:
			if resp.Tag != tag {
				s.reset()
				return nil, &wire.ProtocolError{Reason: "response for unknown tag", Line: resp.Raw}
			}
			if !resp.IsStatus("OK") {
				return nil, &ServerError{Command: verb, Status: resp.Status, Code: resp.Code, Text: resp.Text}
			}
			return resp, nil
		}
	}
}

// handleUntagged folds server events into session state.
func (s *Session) handleUntagged(resp *wire.Response, onUntagged func(*wire.Response)) {
	raw := string(resp.Raw)
	switch {
	case resp.IsStatus("BYE"):
		s.log.WithField("text", resp.Text).Debug("Server BYE")

	case strings.HasPrefix(raw, "CAPABILITY "):
		s.absorbCapabilityList(raw[len("CAPABILITY "):])

	case resp.Status != "":
		s.absorbCapabilityCode(resp.Code)

	default:
		if s.selected != nil {
			if n, kind, ok := numericEvent(raw); ok {
				switch kind {
				case "EXISTS":
					s.selected.Exists = n
				case "RECENT":
					s.selected.Recent = n
				case "EXPUNGE":
					if s.selected.Exists > 0 {
						s.selected.Exists--
					}
				}
			}
		}
	}
	if onUntagged != nil {
		onUntagged(resp)
	}
}

// absorbMailboxStatus fills mb from the untagged responses of a
// SELECT/EXAMINE.
func absorbMailboxStatus(mb *Mailbox, r *wire.Response) {
	raw := string(r.Raw)
	if n, kind, ok := numericEvent(raw); ok {
		switch kind {
		case "EXISTS":
			mb.Exists = n
		case "RECENT":
			mb.Recent = n
		}
		return
	}
	if r.Status == "" || r.Code == "" {
		return
	}
	word, rest, _ := strings.Cut(r.Code, " ")
	switch strings.ToUpper(word) {
	case "UIDVALIDITY":
		if n, err := parseUint32(rest); err == nil {
			mb.UIDValidity = n
		}
	case "UIDNEXT":
		if n, err := parseUint32(rest); err == nil {
			mb.UIDNext = imap.UID(n)
		}
	case "UNSEEN":
		if n, err := parseUint32(rest); err == nil {
			mb.Unseen = n
		}
	}
}

func (s *Session) absorbCapabilityCode(code string) {
	if rest, ok := strings.CutPrefix(code, "CAPABILITY "); ok {
		s.absorbCapabilityList(rest)
	}
}

func (s *Session) absorbCapabilityList(list string) {
	for _, tok := range strings.Fields(list) {
		s.caps[strings.ToUpper(tok)] = true
	}
}

// numericEvent parses "23 EXISTS"-shaped untagged payloads.
func numericEvent(raw string) (uint32, string, bool) {
	num, rest, ok := strings.Cut(raw, " ")
	if !ok {
		return 0, "", false
	}
	n, err := parseUint32(num)
	if err != nil {
		return 0, "", false
	}
	kind, _, _ := strings.Cut(rest, " ")
	return n, strings.ToUpper(kind), true
}

func (s *Session) writeLine(line string) error {
	if err := s.conn.WriteString(line + "\r\n"); err != nil {
		s.reset()
		return err
	}
	return nil
}

func (s *Session) readResponse() (*wire.Response, error) {
	unit, err := wire.ReadUnit(s.conn)
	if err != nil {
		return nil, err
	}
	return wire.ParseResponse(unit)
}

// reset forces the state machine back to Disconnected. A connection
// that failed mid-command is never reused.
func (s *Session) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.selected = nil
	s.state = StateDisconnected
}

// quote renders an IMAP quoted string. Control characters cannot occur
// inside one; a CR or LF in particular would end the command line early
// and smuggle a second command onto the wire.
func quote(val string) (string, error) {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(val); i++ {
		c := val[i]
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("control character in quoted string")
		}
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String(), nil
}
