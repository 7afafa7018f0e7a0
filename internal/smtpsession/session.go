// Package smtpsession drives one SMTP submission connection: greeting,
// EHLO, optional STARTTLS upgrade, SASL authentication and the mail
// transaction. Transactions are strict: any rejected recipient aborts
// the whole send.
package smtpsession

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/wire"
)

// StatusError is a negative SMTP reply. Codes in the 5xx range are
// permanent; retrying them without operator intervention is pointless.
type StatusError struct {
	Op        string // connect, ehlo, starttls, auth, mailfrom, rcpt, data, send
	Code      int
	Message   string
	Recipient string // set when Op is "rcpt"
}

func (e *StatusError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("%s %s: server returned %d %s", e.Op, e.Recipient, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: server returned %d %s", e.Op, e.Code, e.Message)
}

// Permanent reports whether the reply code indicates a permanent
// failure.
func (e *StatusError) Permanent() bool { return e.Code >= 500 }

// Session is one SMTP connection. Safe for concurrent use; commands
// are serialized internally.
type Session struct {
	mu   sync.Mutex
	conn *wire.Conn
	host string

	exts  map[string]string
	mechs []string

	log *logrus.Entry
}

// Dial connects to an SMTP submission server. Implicit TLS connects
// over TLS directly; STARTTLS connects in plaintext and upgrades
// before anything sensitive crosses the wire. Plaintext without
// upgrade is not supported.
func Dial(ctx context.Context, host string, port int, security model.SecurityType, tlsCfg *tls.Config) (*Session, error) {
	var conn *wire.Conn
	var err error
	switch security {
	case model.SecuritySSL:
		conn, err = wire.DialTLS(ctx, host, port, tlsCfg)
	case model.SecurityStartTLS:
		conn, err = wire.Dial(ctx, host, port)
	default:
		return nil, fmt.Errorf("dial smtp: unsupported security mode %q", security)
	}
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn: conn,
		host: host,
		log:  logrus.WithField("pkg", "smtpsession").WithField("host", host),
	}
	if err := s.handshake(ctx, tlsCfg, security == model.SecurityStartTLS); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession wraps an established connection and performs the
// greeting/EHLO handshake. Used directly by tests driving a scripted
// server.
func NewSession(ctx context.Context, conn *wire.Conn, host string) (*Session, error) {
	s := &Session{
		conn: conn,
		host: host,
		log:  logrus.WithField("pkg", "smtpsession").WithField("host", host),
	}
	if err := s.handshake(ctx, nil, false); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, tlsCfg *tls.Config, startTLS bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	code, msg, err := s.readReply()
	if err != nil {
		return err
	}
	if code != 220 {
		return &StatusError{Op: "connect", Code: code, Message: msg}
	}

	if err := s.ehlo(); err != nil {
		return err
	}

	if startTLS {
		if _, ok := s.exts["STARTTLS"]; !ok {
			return &StatusError{Op: "starttls", Code: 0, Message: "server does not advertise STARTTLS"}
		}
		if code, msg, err := s.cmd("STARTTLS"); err != nil {
			return err
		} else if code != 220 {
			return &StatusError{Op: "starttls", Code: code, Message: msg}
		}
		if err := s.conn.StartTLS(tlsCfg); err != nil {
			return err
		}
		// The pre-upgrade capability set is untrusted; EHLO again.
		if err := s.ehlo(); err != nil {
			return err
		}
	}
	return nil
}

// ehlo issues EHLO and replaces the cached extension set. Callers hold
// s.mu.
func (s *Session) ehlo() error {
	if err := s.conn.WriteString("EHLO localhost\r\n"); err != nil {
		return err
	}
	code, lines, err := s.readReplyLines()
	if err != nil {
		return err
	}
	if code != 250 {
		return &StatusError{Op: "ehlo", Code: code, Message: strings.Join(lines, " ")}
	}

	s.exts = make(map[string]string)
	s.mechs = nil
	for _, line := range lines[1:] {
		keyword, arg, _ := strings.Cut(line, " ")
		keyword = strings.ToUpper(keyword)
		s.exts[keyword] = arg
		if keyword == "AUTH" {
			for _, m := range strings.Fields(arg) {
				s.mechs = append(s.mechs, strings.ToUpper(m))
			}
		}
	}
	return nil
}

// Extension reports whether the server advertised the given EHLO
// keyword, returning its argument string when present.
func (s *Session) Extension(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arg, ok := s.exts[strings.ToUpper(name)]
	return arg, ok
}

// AuthMechanisms returns the SASL mechanisms the server advertised.
func (s *Session) AuthMechanisms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mechs...)
}

// Auth runs a SASL exchange via AUTH. Failures come back as a
// *StatusError with Op "auth"; 535 replies are permanent.
func (s *Session) Auth(ctx context.Context, client sasl.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("starting SASL client: %w", err)
	}

	cmd := "AUTH " + mech
	if ir != nil {
		cmd += " " + encodeAuth(ir)
	}
	if err := s.conn.WriteString(cmd + "\r\n"); err != nil {
		return err
	}

	for {
		code, msg, err := s.readReply()
		if err != nil {
			return err
		}
		switch {
		case code == 235:
			s.log.Info("Authenticated")
			return nil

		case code == 334:
			challenge, err := base64.StdEncoding.DecodeString(msg)
			if err != nil {
				return &wire.ProtocolError{Reason: "bad SASL challenge", Line: []byte(msg)}
			}
			out, err := client.Next(challenge)
			if err != nil {
				// Abort the exchange; the server answers with its
				// final negative reply.
				if werr := s.conn.WriteString("*\r\n"); werr != nil {
					return werr
				}
				continue
			}
			if err := s.conn.WriteString(encodeAuth(out) + "\r\n"); err != nil {
				return err
			}

		default:
			return &StatusError{Op: "auth", Code: code, Message: msg}
		}
	}
}

// Send runs one mail transaction. Every recipient must be accepted:
// the first rejected RCPT aborts the transaction with RSET and the
// returned error names the recipient. The message body is
// CRLF-normalized and dot-stuffed on the way out.
func (s *Session) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("send: no recipients")
	}

	if code, msg, err := s.cmd("MAIL FROM:<%s>", from); err != nil {
		return err
	} else if code != 250 {
		return &StatusError{Op: "mailfrom", Code: code, Message: msg}
	}

	for _, rcpt := range recipients {
		code, msg, err := s.cmd("RCPT TO:<%s>", rcpt)
		if err != nil {
			return err
		}
		if code != 250 && code != 251 {
			s.abortTransaction()
			return &StatusError{Op: "rcpt", Code: code, Message: msg, Recipient: rcpt}
		}
	}

	if code, msg, err := s.cmd("DATA"); err != nil {
		return err
	} else if code != 354 {
		s.abortTransaction()
		return &StatusError{Op: "data", Code: code, Message: msg}
	}

	body := dotStuff(normalizeCRLF(raw))
	if err := s.conn.Write(body); err != nil {
		return err
	}
	if err := s.conn.WriteString(".\r\n"); err != nil {
		return err
	}
	code, msg, err := s.readReply()
	if err != nil {
		return err
	}
	if code != 250 {
		return &StatusError{Op: "send", Code: code, Message: msg}
	}
	s.log.WithField("recipients", len(recipients)).Debug("Message accepted")
	return nil
}

// abortTransaction resets server-side transaction state after a
// mid-transaction rejection. A failed RSET leaves the connection
// unusable for further sends, so its reply is read but not acted on.
func (s *Session) abortTransaction() {
	if _, _, err := s.cmd("RSET"); err != nil {
		s.log.WithError(err).Warn("RSET after aborted transaction failed")
	}
}

// Noop issues NOOP, verifying the connection is still live.
func (s *Session) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	code, msg, err := s.cmd("NOOP")
	if err != nil {
		return err
	}
	if code != 250 {
		return &StatusError{Op: "noop", Code: code, Message: msg}
	}
	return nil
}

// Quit sends QUIT and closes the connection.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, _, err := s.cmd("QUIT")
	cerr := s.conn.Close()
	s.conn = nil
	if err != nil && !wire.IsConnError(err) {
		return err
	}
	return cerr
}

// Close tears the connection down without a QUIT exchange.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// cmd writes one command line and reads its reply. Callers hold s.mu.
func (s *Session) cmd(format string, args ...any) (int, string, error) {
	if s.conn == nil {
		return 0, "", &wire.ConnError{Op: "cmd", Err: fmt.Errorf("not connected")}
	}
	if err := s.conn.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		return 0, "", err
	}
	return s.readReply()
}

// readReply reads a possibly multi-line reply and joins its text.
func (s *Session) readReply() (int, string, error) {
	code, lines, err := s.readReplyLines()
	if err != nil {
		return 0, "", err
	}
	return code, strings.Join(lines, " "), nil
}

// readReplyLines reads a reply, one text entry per line. A "250-"
// separator marks continuation, "250 " the final line; every line of
// one reply must carry the same code.
func (s *Session) readReplyLines() (int, []string, error) {
	var code int
	var lines []string
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return 0, nil, err
		}
		if len(line) < 3 {
			return 0, nil, &wire.ProtocolError{Reason: "short SMTP reply", Line: line}
		}
		n, err := strconv.Atoi(string(line[:3]))
		if err != nil {
			return 0, nil, &wire.ProtocolError{Reason: "malformed SMTP reply code", Line: line}
		}
		if code == 0 {
			code = n
		} else if n != code {
			return 0, nil, &wire.ProtocolError{Reason: "inconsistent SMTP reply code", Line: line}
		}

		if len(line) == 3 {
			lines = append(lines, "")
			return code, lines, nil
		}
		lines = append(lines, string(line[4:]))
		if line[3] == ' ' {
			return code, lines, nil
		}
		if line[3] != '-' {
			return 0, nil, &wire.ProtocolError{Reason: "malformed SMTP reply separator", Line: line}
		}
	}
}

// encodeAuth renders a SASL payload for the AUTH dialogue. An empty
// payload is sent as "=" so the server can tell it from a missing one.
func encodeAuth(payload []byte) string {
	if len(payload) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(payload)
}

// normalizeCRLF rewrites bare LF and bare CR line endings to CRLF.
func normalizeCRLF(raw []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(raw) + 16)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			out.WriteString("\r\n")
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
		case '\n':
			out.WriteString("\r\n")
		default:
			out.WriteByte(raw[i])
		}
	}
	return out.Bytes()
}

// dotStuff prefixes a dot to every line starting with one, and
// guarantees the body ends with CRLF so the terminator stands on its
// own line. The input must already be CRLF-normalized.
func dotStuff(raw []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(raw) + 16)
	atLineStart := true
	for i := 0; i < len(raw); i++ {
		if atLineStart && raw[i] == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(raw[i])
		atLineStart = raw[i] == '\n'
	}
	if !bytes.HasSuffix(out.Bytes(), []byte("\r\n")) {
		out.WriteString("\r\n")
	}
	return out.Bytes()
}
