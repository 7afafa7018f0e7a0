package imapsession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/realmail/realmail/internal/wire"
)

// Event is a server-push notification observed while idling.
type Event interface{ isEvent() }

// NewMessageEvent reports a changed EXISTS count: new mail arrived.
type NewMessageEvent struct {
	Exists uint32
}

// ExpungeEvent reports a message removed from the selected mailbox.
type ExpungeEvent struct {
	Seq uint32
}

// FlagsChangedEvent reports a flag update pushed by the server.
type FlagsChangedEvent struct {
	Seq   uint32
	Flags []imap.Flag
}

func (NewMessageEvent) isEvent()   {}
func (ExpungeEvent) isEvent()      {}
func (FlagsChangedEvent) isEvent() {}

// Idle holds the connection in IDLE, surfacing server events on the
// events channel, until ctx is cancelled. Each IDLE is proactively
// renewed (DONE, then IDLE again) after IdleRenew; events arriving at
// the renewal boundary are delivered before the next IDLE is issued.
func (s *Session) Idle(ctx context.Context, events chan<- Event) error {
	if !s.SupportsIdle() {
		return fmt.Errorf("idle: server does not advertise IDLE")
	}
	if s.State() != StateSelected {
		return fmt.Errorf("idle: no mailbox selected")
	}
	for {
		if err := s.idleOnce(ctx, events); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Debug("Renewing IDLE")
	}
}

// idleOnce runs a single IDLE ... DONE cycle, returning nil when the
// cycle ended by renewal watchdog or by ctx cancellation.
func (s *Session) idleOnce(ctx context.Context, events chan<- Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &wire.ConnError{Op: "idle", Err: fmt.Errorf("not connected")}
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	tag := s.tags.Next()
	if err := s.writeLine(tag + " IDLE"); err != nil {
		return err
	}

	// Wait for the continuation prompt, handling any untagged lines
	// the server slips in first.
	for {
		resp, err := s.readResponse()
		if err != nil {
			s.reset()
			return err
		}
		if resp.Kind == wire.Continuation {
			break
		}
		if resp.Kind == wire.Tagged {
			if resp.Tag != tag {
				s.reset()
				return &wire.ProtocolError{Reason: "response for unknown tag", Line: resp.Raw}
			}
			return &ServerError{Command: "IDLE", Status: resp.Status, Code: resp.Code, Text: resp.Text}
		}
		s.deliverIdleEvent(ctx, resp, events)
	}

	// Interrupt the blocking read on cancellation by expiring the
	// read deadline; the renewal watchdog uses the deadline directly.
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Unix(1, 0))
		case <-interrupted:
		}
	}()
	defer close(interrupted)

	_ = s.conn.SetReadDeadline(time.Now().Add(s.IdleRenew))

	for {
		resp, err := s.readResponse()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Watchdog fired or cancellation requested: leave the
				// idling sub-state cleanly.
				return s.finishIdle(ctx, tag, events)
			}
			s.reset()
			return err
		}
		s.deliverIdleEvent(ctx, resp, events)
	}
}

// finishIdle sends DONE and drains responses until the tagged reply,
// still delivering events seen while draining.
func (s *Session) finishIdle(ctx context.Context, tag string, events chan<- Event) error {
	_ = s.conn.SetReadDeadline(time.Time{})
	if err := s.writeLine("DONE"); err != nil {
		return err
	}
	for {
		resp, err := s.readResponse()
		if err != nil {
			s.reset()
			return err
		}
		if resp.Kind == wire.Tagged {
			if resp.Tag != tag {
				s.reset()
				return &wire.ProtocolError{Reason: "response for unknown tag", Line: resp.Raw}
			}
			if !resp.IsStatus("OK") {
				return &ServerError{Command: "IDLE", Status: resp.Status, Code: resp.Code, Text: resp.Text}
			}
			return nil
		}
		s.deliverIdleEvent(ctx, resp, events)
	}
}

// deliverIdleEvent folds an untagged response into session state and,
// when it is a mailbox event, delivers it to the events channel.
func (s *Session) deliverIdleEvent(ctx context.Context, resp *wire.Response, events chan<- Event) {
	if resp.Kind != wire.Untagged {
		return
	}
	s.handleUntagged(resp, nil)

	raw := string(resp.Raw)
	n, kind, ok := numericEvent(raw)
	if !ok {
		return
	}

	var ev Event
	switch kind {
	case "EXISTS":
		ev = NewMessageEvent{Exists: n}
	case "EXPUNGE":
		ev = ExpungeEvent{Seq: n}
	case "FETCH":
		ev = FlagsChangedEvent{Seq: n, Flags: idleFetchFlags(raw)}
	default:
		return
	}

	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// idleFetchFlags parses the FLAGS list from an unsolicited FETCH line.
func idleFetchFlags(raw string) []imap.Flag {
	open := strings.IndexByte(raw, '(')
	if open < 0 {
		return nil
	}
	fields, err := wire.ParseFields([]byte(raw[open:]))
	if err != nil || len(fields) != 1 {
		return nil
	}
	for i := 0; i+1 < len(fields[0].List); i += 2 {
		if fields[0].List[i].IsAtom("FLAGS") {
			return parseFlagList(fields[0].List[i+1])
		}
	}
	return nil
}
