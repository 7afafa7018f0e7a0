package imapsession

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmail/realmail/internal/wire"
)

const testGreeting = "* OK [CAPABILITY IMAP4rev1 IDLE SASL-IR AUTH=PLAIN AUTH=XOAUTH2] ready\r\n"

// step is one scripted command/response exchange: the received line
// must contain expect; every respond line is sent with a leading "@"
// replaced by the command's tag.
type step struct {
	expect  string
	respond []string
}

// script runs a fake IMAP server on one side of a pipe and returns a
// session connected to the other side.
func script(t *testing.T, steps []step) *Session {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	go func() {
		defer server.Close()
		if _, err := server.Write([]byte(testGreeting)); err != nil {
			return
		}
		r := bufio.NewReader(server)
		for _, st := range steps {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if !strings.Contains(line, st.expect) {
				t.Errorf("server expected %q, got %q", st.expect, line)
				return
			}
			tag, _, _ := strings.Cut(line, " ")
			for _, resp := range st.respond {
				out := resp
				if strings.HasPrefix(out, "@") {
					out = tag + out[1:]
				}
				out += "\r\n"
				if _, err := server.Write([]byte(out)); err != nil {
					return
				}
			}
		}
	}()

	sess, err := NewSession(context.Background(), wire.NewConn(client), "test")
	require.NoError(t, err)
	return sess
}

func TestSession_Greeting(t *testing.T) {
	sess := script(t, nil)

	assert.Equal(t, StateConnected, sess.State())
	assert.True(t, sess.Caps("IMAP4rev1"))
	assert.True(t, sess.SupportsIdle())
}

func TestSession_Login(t *testing.T) {
	sess := script(t, []step{
		{expect: `LOGIN "joe@example.com" "s3cret"`, respond: []string{
			"@ OK [CAPABILITY IMAP4rev1 IDLE] Logged in",
		}},
	})

	require.NoError(t, sess.Login(context.Background(), "joe@example.com", "s3cret"))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestSession_LoginRejectsControlCharacters(t *testing.T) {
	sess := script(t, nil)

	err := sess.Login(context.Background(), "joe@example.com", "pw\r\nA2 NOOP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control character")
	// Nothing crossed the wire; the session is still usable.
	assert.Equal(t, StateConnected, sess.State())
}

func TestSession_AuthenticateInitialResponse(t *testing.T) {
	sess := script(t, []step{
		{expect: "AUTHENTICATE PLAIN ", respond: []string{
			"@ OK [CAPABILITY IMAP4rev1 IDLE] Authenticated",
		}},
	})

	client := sasl.NewPlainClient("", "joe@example.com", "s3cret")
	require.NoError(t, sess.Authenticate(context.Background(), client))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestSession_AuthenticateRejected(t *testing.T) {
	sess := script(t, []step{
		{expect: "AUTHENTICATE PLAIN", respond: []string{
			"@ NO [AUTHENTICATIONFAILED] Invalid credentials",
		}},
	})

	client := sasl.NewPlainClient("", "joe@example.com", "wrong")
	err := sess.Authenticate(context.Background(), client)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "NO", serverErr.Status)
	assert.Contains(t, serverErr.Text, "Invalid credentials")
	// A rejected command does not terminate the connection.
	assert.Equal(t, StateConnected, sess.State())
}

func loginSteps() []step {
	return []step{
		{expect: "LOGIN", respond: []string{"@ OK [CAPABILITY IMAP4rev1 IDLE] Logged in"}},
	}
}

func login(t *testing.T, sess *Session) {
	t.Helper()
	require.NoError(t, sess.Login(context.Background(), "joe@example.com", "pw"))
}

func TestSession_Select(t *testing.T) {
	sess := script(t, append(loginSteps(), step{
		expect: `SELECT "INBOX"`,
		respond: []string{
			"* 172 EXISTS",
			"* 1 RECENT",
			"* OK [UNSEEN 12] Message 12 is first unseen",
			"* OK [UIDVALIDITY 3857529045] UIDs valid",
			"* OK [UIDNEXT 4392] Predicted next UID",
			"* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)",
			"@ OK [READ-WRITE] SELECT completed",
		},
	}))
	login(t, sess)

	mb, err := sess.Select(context.Background(), "INBOX", false)
	require.NoError(t, err)

	assert.Equal(t, uint32(172), mb.Exists)
	assert.Equal(t, uint32(1), mb.Recent)
	assert.Equal(t, uint32(12), mb.Unseen)
	assert.Equal(t, uint32(3857529045), mb.UIDValidity)
	assert.Equal(t, imap.UID(4392), mb.UIDNext)
	assert.False(t, mb.ReadOnly)
	assert.Equal(t, StateSelected, sess.State())
}

func TestSession_ListMailboxes(t *testing.T) {
	sess := script(t, append(loginSteps(), step{
		expect: `LIST "" "*"`,
		respond: []string{
			`* LIST (\HasNoChildren) "/" "INBOX"`,
			`* LIST (\Noselect \HasChildren) "/" "[Gmail]"`,
			`* LIST (\HasNoChildren \Sent) "/" "[Gmail]/Sent Mail"`,
			"@ OK LIST completed",
		},
	}))
	login(t, sess)

	boxes, err := sess.ListMailboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, boxes, 3)

	assert.Equal(t, "INBOX", boxes[0].Path)
	assert.Equal(t, "/", boxes[0].Delimiter)
	assert.True(t, boxes[0].Selectable)

	assert.Equal(t, "[Gmail]", boxes[1].Path)
	assert.False(t, boxes[1].Selectable)

	assert.Equal(t, "[Gmail]/Sent Mail", boxes[2].Path)
	assert.True(t, boxes[2].Selectable)
}

func selectSteps() []step {
	return append(loginSteps(), step{
		expect: "SELECT",
		respond: []string{
			"* 3 EXISTS",
			"* OK [UIDVALIDITY 1] UIDs valid",
			"* OK [UIDNEXT 100] Predicted next UID",
			"@ OK SELECT completed",
		},
	})
}

func selectInbox(t *testing.T, sess *Session) {
	t.Helper()
	login(t, sess)
	_, err := sess.Select(context.Background(), "INBOX", false)
	require.NoError(t, err)
}

func TestSession_FetchHeaders(t *testing.T) {
	sess := script(t, append(selectSteps(), step{
		expect: "UID FETCH 1:10 (UID FLAGS INTERNALDATE RFC822.SIZE ENVELOPE)",
		respond: []string{
			`* 1 FETCH (UID 3 FLAGS (\Seen) INTERNALDATE " 7-Feb-1994 21:52:25 -0800" RFC822.SIZE 2279 ` +
				`ENVELOPE ("Mon, 7 Feb 1994 21:52:25 -0800" "Hi there" (("Fred" NIL "fred" "example.org")) NIL NIL ` +
				`((NIL NIL "joe" "example.com")) NIL NIL NIL "<m1@example.org>"))`,
			"@ OK FETCH completed",
		},
	}))
	selectInbox(t, sess)

	var set imap.UIDSet
	set.AddRange(1, 10)
	envs, err := sess.FetchHeaders(context.Background(), set)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, imap.UID(3), env.UID)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, env.Flags)
	assert.Equal(t, int64(2279), env.Size)
	assert.Equal(t, "Hi there", env.Subject)
	require.Len(t, env.From, 1)
	assert.Equal(t, "fred@example.org", env.From[0].Addr())
	assert.Equal(t, "Fred", env.From[0].Name)
	require.Len(t, env.To, 1)
	assert.Equal(t, "joe@example.com", env.To[0].Addr())
	assert.Equal(t, "<m1@example.org>", env.MessageID)
	assert.Equal(t, 1994, env.Date.Year())
}

func TestSession_FetchHeaders_SubsetOfRange(t *testing.T) {
	// A confused server returns a UID outside the requested range; the
	// result must stay a subset of what was asked for.
	sess := script(t, append(selectSteps(), step{
		expect: "UID FETCH 1:10",
		respond: []string{
			`* 1 FETCH (UID 3 FLAGS () ENVELOPE (NIL "in range" NIL NIL NIL NIL NIL NIL NIL NIL))`,
			`* 2 FETCH (UID 42 FLAGS () ENVELOPE (NIL "out of range" NIL NIL NIL NIL NIL NIL NIL NIL))`,
			"@ OK FETCH completed",
		},
	}))
	selectInbox(t, sess)

	var set imap.UIDSet
	set.AddRange(1, 10)
	envs, err := sess.FetchHeaders(context.Background(), set)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, imap.UID(3), envs[0].UID)
}

func TestSession_FetchHeaders_EncodedSubject(t *testing.T) {
	sess := script(t, append(selectSteps(), step{
		expect: "UID FETCH 5",
		respond: []string{
			`* 1 FETCH (UID 5 FLAGS () ENVELOPE (NIL "=?UTF-8?B?Z3LDvMOfZQ==?=" NIL NIL NIL NIL NIL NIL NIL NIL))`,
			"@ OK FETCH completed",
		},
	}))
	selectInbox(t, sess)

	envs, err := sess.FetchHeaders(context.Background(), imap.UIDSetNum(5))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "grüße", envs[0].Subject)
}

func TestSession_StoreFlagsSilent(t *testing.T) {
	sess := script(t, append(selectSteps(),
		step{expect: `UID STORE 7 +FLAGS.SILENT (\Seen)`, respond: []string{"@ OK STORE completed"}},
		step{expect: `UID STORE 7 -FLAGS.SILENT (\Flagged)`, respond: []string{"@ OK STORE completed"}},
	))
	selectInbox(t, sess)

	ctx := context.Background()
	require.NoError(t, sess.AddFlags(ctx, imap.UIDSetNum(7), []imap.Flag{imap.FlagSeen}))
	require.NoError(t, sess.RemoveFlags(ctx, imap.UIDSetNum(7), []imap.Flag{imap.FlagFlagged}))
}

func TestSession_StoreFlagsEmptyListIsNoop(t *testing.T) {
	sess := script(t, append(selectSteps(),
		step{expect: "NOOP", respond: []string{"@ OK NOOP completed"}},
	))
	selectInbox(t, sess)

	ctx := context.Background()
	require.NoError(t, sess.AddFlags(ctx, imap.UIDSetNum(7), nil))
	// No STORE crossed the wire: the next command the scripted server
	// sees is the NOOP, which would otherwise mismatch.
	require.NoError(t, sess.Noop(ctx))
}

func TestSession_FetchBodySection(t *testing.T) {
	sess := script(t, append(selectSteps(), step{
		expect: "UID FETCH 9 (BODY.PEEK[1.2])",
		respond: []string{
			"* 1 FETCH (UID 9 BODY[1.2] {11}\r\nhello\r\nbody)",
			"@ OK FETCH completed",
		},
	}))
	selectInbox(t, sess)

	body, err := sess.FetchBodySection(context.Background(), 9, "1.2")
	require.NoError(t, err)
	assert.Equal(t, "hello\r\nbody", string(body))
}

func TestSession_SearchUIDs(t *testing.T) {
	sess := script(t, append(selectSteps(), step{
		expect: "UID SEARCH UID 21:*",
		respond: []string{
			"* SEARCH 23 25 41",
			"@ OK SEARCH completed",
		},
	}))
	selectInbox(t, sess)

	uids, err := sess.SearchUIDs(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{23, 25, 41}, uids)
}

func TestSession_Expunge(t *testing.T) {
	sess := script(t, append(selectSteps(), step{
		expect: "EXPUNGE",
		respond: []string{
			"* 3 EXPUNGE",
			"* 3 EXPUNGE",
			"@ OK Expunge completed",
		},
	}))
	selectInbox(t, sess)

	require.NoError(t, sess.Expunge(context.Background()))
}

func TestSession_ServerNoKeepsConnection(t *testing.T) {
	sess := script(t, append(loginSteps(),
		step{expect: `SELECT "Missing"`, respond: []string{"@ NO Mailbox does not exist"}},
		step{expect: "NOOP", respond: []string{"@ OK NOOP completed"}},
	))
	login(t, sess)

	_, err := sess.Select(context.Background(), "Missing", false)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "NO", serverErr.Status)

	// The connection survives a NO and remains usable.
	require.NoError(t, sess.Noop(context.Background()))
}

func TestSession_Append(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	const raw = "Subject: hi\r\n\r\nbody"

	go func() {
		defer server.Close()
		_, _ = server.Write([]byte(testGreeting))
		r := bufio.NewReader(server)

		line, _ := r.ReadString('\n') // LOGIN
		tag, _, _ := strings.Cut(line, " ")
		_, _ = server.Write([]byte(tag + " OK [CAPABILITY IMAP4rev1] done\r\n"))

		line, _ = r.ReadString('\n') // APPEND ... {n}
		tag, _, _ = strings.Cut(line, " ")
		if !strings.Contains(line, "{19}") {
			t.Errorf("unexpected append line %q", line)
			return
		}
		_, _ = server.Write([]byte("+ Ready for literal data\r\n"))

		buf := make([]byte, len(raw)+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		if string(buf) != raw+"\r\n" {
			t.Errorf("unexpected literal %q", buf)
		}
		_, _ = server.Write([]byte(tag + " OK [APPENDUID 1 1017] done\r\n"))
	}()

	sess, err := NewSession(context.Background(), wire.NewConn(client), "test")
	require.NoError(t, err)
	login(t, sess)

	uid, err := sess.Append(context.Background(), "Sent", []imap.Flag{imap.FlagSeen}, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, imap.UID(1017), uid)
}

func TestSession_IdleRenewal(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer server.Close()
		_, _ = server.Write([]byte(testGreeting))
		r := bufio.NewReader(server)

		respondOK := func(line string) {
			tag, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
			_, _ = server.Write([]byte(tag + " OK [CAPABILITY IMAP4rev1 IDLE] done\r\n"))
		}

		line, _ := r.ReadString('\n') // LOGIN
		respondOK(line)

		line, _ = r.ReadString('\n') // SELECT
		tag, _, _ := strings.Cut(line, " ")
		_, _ = server.Write([]byte("* 3 EXISTS\r\n* OK [UIDVALIDITY 1] ok\r\n" + tag + " OK done\r\n"))

		// Answer IDLE cycles until the client hangs up. The first DONE
		// carries an EXISTS queued exactly at the renewal boundary.
		first := true
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasSuffix(line, " IDLE"):
				tag, _, _ = strings.Cut(line, " ")
				_, _ = server.Write([]byte("+ idling\r\n"))
			case line == "DONE":
				if first {
					first = false
					_, _ = server.Write([]byte("* 4 EXISTS\r\n"))
				}
				_, _ = server.Write([]byte(tag + " OK IDLE terminated\r\n"))
			}
		}
	}()

	sess, err := NewSession(context.Background(), wire.NewConn(client), "test")
	require.NoError(t, err)
	sess.IdleRenew = 100 * time.Millisecond
	login(t, sess)
	_, err = sess.Select(context.Background(), "INBOX", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 8)

	idleDone := make(chan error, 1)
	go func() {
		idleDone <- sess.Idle(ctx, events)
	}()

	// The boundary event must arrive despite the renewal.
	select {
	case ev := <-events:
		require.IsType(t, NewMessageEvent{}, ev)
		assert.Equal(t, uint32(4), ev.(NewMessageEvent).Exists)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for boundary event")
	}

	// Give the second IDLE a moment to start, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-idleDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for idle to finish")
	}

	require.NoError(t, sess.Close())
	<-serverDone
}
