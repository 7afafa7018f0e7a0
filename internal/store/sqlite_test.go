package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/tests/testutil"
)

func TestFolderRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	folder := model.MailboxState{
		Path:             "INBOX",
		Delimiter:        "/",
		Attributes:       []string{"\\HasNoChildren"},
		Selectable:       true,
		Type:             model.FolderInbox,
		UIDValidity:      3857529045,
		HighestSyncedUID: 4391,
		UIDNext:          4392,
	}
	require.NoError(t, s.UpsertFolder(ctx, "acct-1", folder))

	folders, err := s.GetFolders(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, folder, folders[0])

	got, err := s.GetFolder(ctx, "acct-1", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, folder, *got)

	// Folders are scoped per account.
	others, err := s.GetFolders(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestGetFolder_Unknown(t *testing.T) {
	s := testutil.NewTestStore(t)

	got, err := s.GetFolder(context.Background(), "acct-1", "Nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertFolder_ReplacesWatermark(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	folder := model.MailboxState{Path: "INBOX", Selectable: true, UIDValidity: 1, HighestSyncedUID: 10}
	require.NoError(t, s.UpsertFolder(ctx, "acct-1", folder))

	folder.HighestSyncedUID = 25
	require.NoError(t, s.UpsertFolder(ctx, "acct-1", folder))

	got, err := s.GetFolder(ctx, "acct-1", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, imap.UID(25), got.HighestSyncedUID)
}

func envelope(uid imap.UID, subject string, flags ...imap.Flag) model.MessageEnvelope {
	return model.MessageEnvelope{
		UID:          uid,
		Flags:        flags,
		InternalDate: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Size:         1234,
		Subject:      subject,
		From:         []model.Address{{Name: "Ann", Mailbox: "ann", Host: "example.org"}},
		To:           []model.Address{{Mailbox: "joe", Host: "example.com"}},
		Date:         time.Date(2025, 6, 1, 11, 58, 0, 0, time.UTC).Add(time.Duration(uid) * time.Second),
		MessageID:    "<m" + subject + "@example.org>",
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	msgs := []model.MessageEnvelope{
		envelope(1, "first", imap.FlagSeen),
		envelope(2, "second"),
	}
	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", msgs))

	got, err := s.GetMessages(ctx, "acct-1", "INBOX", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, imap.UID(2), got[0].UID)
	assert.Equal(t, "second", got[0].Subject)
	assert.Equal(t, msgs[0].From, got[1].From)
	assert.Equal(t, msgs[0].MessageID, got[1].MessageID)
}

func TestUnreadCount_RecomputedFromFlags(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", []model.MessageEnvelope{
		envelope(1, "a", imap.FlagSeen),
		envelope(2, "b"),
		envelope(3, "c"),
	}))

	count, err := s.UnreadCount(ctx, "acct-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Marking a message seen changes the recomputed count.
	require.NoError(t, s.UpdateFlags(ctx, "acct-1", "INBOX", map[imap.UID][]imap.Flag{
		2: {imap.FlagSeen, imap.FlagAnswered},
	}))

	count, err = s.UnreadCount(ctx, "acct-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", []model.MessageEnvelope{
		envelope(1, "a"), envelope(2, "b"), envelope(3, "c"),
	}))
	require.NoError(t, s.DeleteMessages(ctx, "acct-1", "INBOX", []imap.UID{1, 3}))

	got, err := s.GetMessages(ctx, "acct-1", "INBOX", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, imap.UID(2), got[0].UID)
}

func TestPurgeMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", []model.MessageEnvelope{
		envelope(1, "a"), envelope(2, "b"),
	}))
	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "Archive", []model.MessageEnvelope{
		envelope(7, "kept"),
	}))

	require.NoError(t, s.PurgeMessages(ctx, "acct-1", "INBOX"))

	got, err := s.GetMessages(ctx, "acct-1", "INBOX", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	kept, err := s.GetMessages(ctx, "acct-1", "Archive", 0, 0)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestSetSnippet_SurvivesReupsert(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", []model.MessageEnvelope{envelope(1, "a")}))
	require.NoError(t, s.SetSnippet(ctx, "acct-1", "INBOX", 1, "preview text"))

	// A later envelope refresh must not wipe the stored snippet.
	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "INBOX", []model.MessageEnvelope{envelope(1, "a", imap.FlagSeen)}))

	rows, err := s.GetMessages(ctx, "acct-1", "INBOX", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "preview text", rows[0].Snippet)
	assert.True(t, rows[0].Seen())
}

func TestDeleteFolder_CascadesMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFolder(ctx, "acct-1", model.MailboxState{Path: "Old", Selectable: true}))
	require.NoError(t, s.UpsertMessages(ctx, "acct-1", "Old", []model.MessageEnvelope{envelope(1, "a")}))

	require.NoError(t, s.DeleteFolder(ctx, "acct-1", "Old"))

	got, err := s.GetFolder(ctx, "acct-1", "Old")
	require.NoError(t, err)
	assert.Nil(t, got)
	msgs, err := s.GetMessages(ctx, "acct-1", "Old", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func queuedSend(id string, status model.SendStatus, created time.Time) model.QueuedSend {
	return model.QueuedSend{
		ID:         id,
		AccountID:  "acct-1",
		From:       "joe@example.com",
		Recipients: []string{"ann@example.org"},
		MessageID:  "<" + id + "@realmail.local>",
		Raw:        []byte("Subject: x\r\n\r\nbody"),
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestOutbox_FIFO(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnqueueSend(ctx, queuedSend("s2", model.SendPending, now.Add(time.Second))))
	require.NoError(t, s.EnqueueSend(ctx, queuedSend("s1", model.SendPending, now)))

	next, err := s.NextPendingSend(ctx, "acct-1", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "s1", next.ID)
	assert.Equal(t, []string{"ann@example.org"}, next.Recipients)
}

func TestOutbox_BackoffDelaysEligibility(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	send := queuedSend("s1", model.SendRetrying, now)
	send.RetryCount = 1
	send.NotBefore = now.Add(2 * time.Second)
	require.NoError(t, s.EnqueueSend(ctx, send))

	// Not yet eligible.
	next, err := s.NextPendingSend(ctx, "acct-1", now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, next)

	// Eligible once the backoff elapses.
	next, err = s.NextPendingSend(ctx, "acct-1", now.Add(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "s1", next.ID)
	assert.Equal(t, 1, next.RetryCount)
}

func TestOutbox_TerminalStatesNotScheduled(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnqueueSend(ctx, queuedSend("done", model.SendSent, now)))
	require.NoError(t, s.EnqueueSend(ctx, queuedSend("dead", model.SendFailed, now)))

	next, err := s.NextPendingSend(ctx, "acct-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestOutbox_UpdateAndDelete(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnqueueSend(ctx, queuedSend("s1", model.SendPending, now)))

	send, err := s.GetSend(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, send)

	send.Status = model.SendRetrying
	send.RetryCount = 2
	send.LastError = "server returned 451"
	send.NotBefore = now.Add(4 * time.Second)
	send.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.UpdateSend(ctx, *send))

	got, err := s.GetSend(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SendRetrying, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "server returned 451", got.LastError)

	require.NoError(t, s.DeleteSend(ctx, "s1"))
	got, err = s.GetSend(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = s.UpdateSend(ctx, *send)
	require.Error(t, err)
}

func TestListSends(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnqueueSend(ctx, queuedSend("s1", model.SendPending, now)))
	require.NoError(t, s.EnqueueSend(ctx, queuedSend("s2", model.SendFailed, now.Add(time.Second))))

	sends, err := s.ListSends(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, sends, 2)
	assert.Equal(t, "s1", sends[0].ID)
	assert.Equal(t, "s2", sends[1].ID)
}
