// Package wire owns the encrypted byte stream to a mail server and the
// framing of IMAP/SMTP wire syntax into structured values. It knows
// nothing about command semantics; sessions drive it.
package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnError is a transport-level failure: dialing, TLS negotiation, a
// closed socket or a read/write error. Transport failures are always
// retryable with backoff and always tear down the connection.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err is (or wraps) a transport failure.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// Conn is one line-buffered connection to a server. It is not safe for
// concurrent use; the owning session serializes access.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	host string
	tls  bool
}

// DialTLS opens an implicit-TLS connection to host:port.
func DialTLS(ctx context.Context, host string, port int, cfg *tls.Config) (*Conn, error) {
	cfg = cloneTLSConfig(cfg, host)
	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, &ConnError{Op: "dial", Err: err}
	}
	return &Conn{conn: conn, r: bufio.NewReader(conn), host: host, tls: true}, nil
}

// Dial opens a plaintext connection to host:port. The caller must
// upgrade it with StartTLS before authenticating; sessions reject
// configurations that would leave the connection in plaintext.
func Dial(ctx context.Context, host string, port int) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, &ConnError{Op: "dial", Err: err}
	}
	return &Conn{conn: conn, r: bufio.NewReader(conn), host: host}, nil
}

// NewConn wraps an established connection. Used by tests to drive a
// session over an in-memory pipe.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), tls: true}
}

// NewPlaintextConn wraps an established connection that has not been
// upgraded yet, so StartTLS still applies. Used by tests driving the
// upgrade path over an in-memory pipe.
func NewPlaintextConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn)}
}

// StartTLS upgrades the connection to TLS in place. The server must
// already have accepted the upgrade command.
func (c *Conn) StartTLS(cfg *tls.Config) error {
	if c.tls {
		return &ConnError{Op: "starttls", Err: errors.New("already TLS")}
	}
	tlsConn := tls.Client(c.conn, cloneTLSConfig(cfg, c.host))
	if err := tlsConn.Handshake(); err != nil {
		return &ConnError{Op: "starttls", Err: err}
	}
	c.conn = tlsConn
	c.r.Reset(c.conn)
	c.tls = true
	return nil
}

// IsTLS reports whether the connection is encrypted.
func (c *Conn) IsTLS() bool { return c.tls }

// ReadLine reads one CRLF-terminated line and returns it without the
// line ending. A bare LF terminator is tolerated.
func (c *Conn) ReadLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, &ConnError{Op: "read", Err: err}
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// ReadFull reads exactly len(buf) bytes. Used for literal payloads,
// which must be consumed by byte count regardless of embedded line
// breaks.
func (c *Conn) ReadFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := c.r.Read(buf)
		if err != nil {
			return &ConnError{Op: "read", Err: err}
		}
		buf = buf[n:]
	}
	return nil
}

// Write writes b to the connection.
func (c *Conn) Write(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		return &ConnError{Op: "write", Err: err}
	}
	return nil
}

// WriteString writes s to the connection.
func (c *Conn) WriteString(s string) error {
	return c.Write([]byte(s))
}

// SetReadDeadline sets the deadline for future reads. A zero time
// clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close tears the connection down.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func cloneTLSConfig(cfg *tls.Config, host string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
