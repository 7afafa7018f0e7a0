package store

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/realmail/realmail/internal/model"
)

// Store defines the persistence interface for synchronized folders,
// message envelopes, and the outbound send queue.
type Store interface {
	// === Folders ===

	UpsertFolder(ctx context.Context, accountID string, folder model.MailboxState) error
	GetFolders(ctx context.Context, accountID string) ([]model.MailboxState, error)
	GetFolder(ctx context.Context, accountID, path string) (*model.MailboxState, error)
	DeleteFolder(ctx context.Context, accountID, path string) error

	// === Messages ===

	UpsertMessages(ctx context.Context, accountID, folderPath string, msgs []model.MessageEnvelope) error
	GetMessages(ctx context.Context, accountID, folderPath string, limit, offset int) ([]model.MessageEnvelope, error)
	DeleteMessages(ctx context.Context, accountID, folderPath string, uids []imap.UID) error
	// PurgeMessages removes every message in a folder. Used when the
	// folder's UIDVALIDITY epoch changes and cached UIDs become
	// meaningless.
	PurgeMessages(ctx context.Context, accountID, folderPath string) error
	UpdateFlags(ctx context.Context, accountID, folderPath string, flags map[imap.UID][]imap.Flag) error
	SetSnippet(ctx context.Context, accountID, folderPath string, uid imap.UID, snippet string) error
	// UnreadCount recomputes the folder's unread total from stored
	// flags; it is never cached as an independent counter.
	UnreadCount(ctx context.Context, accountID, folderPath string) (int, error)

	// === Outbox ===

	EnqueueSend(ctx context.Context, send model.QueuedSend) error
	// NextPendingSend returns the oldest queue entry eligible to run
	// at now (pending or retrying with an elapsed backoff), or nil.
	NextPendingSend(ctx context.Context, accountID string, now time.Time) (*model.QueuedSend, error)
	UpdateSend(ctx context.Context, send model.QueuedSend) error
	GetSend(ctx context.Context, id string) (*model.QueuedSend, error)
	DeleteSend(ctx context.Context, id string) error
	ListSends(ctx context.Context, accountID string) ([]model.QueuedSend, error)

	Close() error
}
