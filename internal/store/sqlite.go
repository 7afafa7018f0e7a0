package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/realmail/realmail/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertFolder inserts or replaces one folder's synchronization state.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, accountID string, folder model.MailboxState) error {
	attrs, err := json.Marshal(folder.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling attributes for folder %s: %w", folder.Path, err)
	}

	const query = `
		INSERT OR REPLACE INTO folders (
			account_id, path, delimiter, attributes, selectable,
			folder_type, uid_validity, highest_synced_uid, uid_next, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		accountID, folder.Path, folder.Delimiter, string(attrs), boolToInt(folder.Selectable),
		string(folder.Type), folder.UIDValidity, uint32(folder.HighestSyncedUID), uint32(folder.UIDNext),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", folder.Path, err)
	}
	return nil
}

type folderRow struct {
	Path             string `db:"path"`
	Delimiter        string `db:"delimiter"`
	Attributes       string `db:"attributes"`
	Selectable       int    `db:"selectable"`
	FolderType       string `db:"folder_type"`
	UIDValidity      uint32 `db:"uid_validity"`
	HighestSyncedUID uint32 `db:"highest_synced_uid"`
	UIDNext          uint32 `db:"uid_next"`
}

func (r folderRow) toModel() (model.MailboxState, error) {
	var attrs []string
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return model.MailboxState{}, fmt.Errorf("unmarshaling attributes for folder %s: %w", r.Path, err)
	}
	return model.MailboxState{
		Path:             r.Path,
		Delimiter:        r.Delimiter,
		Attributes:       attrs,
		Selectable:       r.Selectable != 0,
		Type:             model.FolderType(r.FolderType),
		UIDValidity:      r.UIDValidity,
		HighestSyncedUID: imap.UID(r.HighestSyncedUID),
		UIDNext:          imap.UID(r.UIDNext),
	}, nil
}

// GetFolders returns every stored folder for an account, ordered by path.
func (s *SQLiteStore) GetFolders(ctx context.Context, accountID string) ([]model.MailboxState, error) {
	const query = `
		SELECT path, delimiter, attributes, selectable, folder_type,
		       uid_validity, highest_synced_uid, uid_next
		FROM folders WHERE account_id = ? ORDER BY path`

	var rows []folderRow
	if err := s.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}

	out := make([]model.MailboxState, 0, len(rows))
	for _, r := range rows {
		f, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// GetFolder returns one folder's state, or nil when it is unknown.
func (s *SQLiteStore) GetFolder(ctx context.Context, accountID, path string) (*model.MailboxState, error) {
	const query = `
		SELECT path, delimiter, attributes, selectable, folder_type,
		       uid_validity, highest_synced_uid, uid_next
		FROM folders WHERE account_id = ? AND path = ?`

	var row folderRow
	err := s.db.GetContext(ctx, &row, query, accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying folder %s: %w", path, err)
	}
	f, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFolder removes a folder and all of its messages.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, accountID, path string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND folder_path = ?", accountID, path); err != nil {
		return fmt.Errorf("deleting messages for folder %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM folders WHERE account_id = ? AND path = ?", accountID, path); err != nil {
		return fmt.Errorf("deleting folder %s: %w", path, err)
	}
	return tx.Commit()
}

// UpsertMessages inserts or replaces a batch of message envelopes.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, accountID, folderPath string, msgs []model.MessageEnvelope) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR REPLACE INTO messages (
			account_id, folder_path, uid, flags, seen,
			internal_date, size, subject,
			from_addrs, to_addrs, cc_addrs,
			sent_at, message_id, in_reply_to,
			snippet
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			COALESCE((SELECT snippet FROM messages
			          WHERE account_id = ? AND folder_path = ? AND uid = ?), '')
		)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		flags, err := json.Marshal(m.Flags)
		if err != nil {
			return fmt.Errorf("marshaling flags for uid %d: %w", m.UID, err)
		}
		from, err := json.Marshal(m.From)
		if err != nil {
			return fmt.Errorf("marshaling from for uid %d: %w", m.UID, err)
		}
		to, err := json.Marshal(m.To)
		if err != nil {
			return fmt.Errorf("marshaling to for uid %d: %w", m.UID, err)
		}
		cc, err := json.Marshal(m.Cc)
		if err != nil {
			return fmt.Errorf("marshaling cc for uid %d: %w", m.UID, err)
		}

		_, err = stmt.ExecContext(ctx,
			accountID, folderPath, uint32(m.UID), string(flags), boolToInt(m.Seen()),
			m.InternalDate.UTC(), m.Size, m.Subject,
			string(from), string(to), string(cc),
			m.Date.UTC(), m.MessageID, m.InReplyTo,
			accountID, folderPath, uint32(m.UID),
		)
		if err != nil {
			return fmt.Errorf("upserting message uid %d: %w", m.UID, err)
		}
	}
	return tx.Commit()
}

type messageRow struct {
	UID          uint32    `db:"uid"`
	Flags        string    `db:"flags"`
	InternalDate time.Time `db:"internal_date"`
	Size         int64     `db:"size"`
	Subject      string    `db:"subject"`
	FromAddrs    string    `db:"from_addrs"`
	ToAddrs      string    `db:"to_addrs"`
	CcAddrs      string    `db:"cc_addrs"`
	SentAt       time.Time `db:"sent_at"`
	MessageID    string    `db:"message_id"`
	InReplyTo    string    `db:"in_reply_to"`
	Snippet      string    `db:"snippet"`
}

func (r messageRow) toModel() (model.MessageEnvelope, error) {
	env := model.MessageEnvelope{
		UID:          imap.UID(r.UID),
		InternalDate: r.InternalDate,
		Size:         r.Size,
		Subject:      r.Subject,
		Date:         r.SentAt,
		MessageID:    r.MessageID,
		InReplyTo:    r.InReplyTo,
		Snippet:      r.Snippet,
	}
	if err := json.Unmarshal([]byte(r.Flags), &env.Flags); err != nil {
		return env, fmt.Errorf("unmarshaling flags for uid %d: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.FromAddrs), &env.From); err != nil {
		return env, fmt.Errorf("unmarshaling from addresses for uid %d: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.ToAddrs), &env.To); err != nil {
		return env, fmt.Errorf("unmarshaling to addresses for uid %d: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.CcAddrs), &env.Cc); err != nil {
		return env, fmt.Errorf("unmarshaling cc addresses for uid %d: %w", r.UID, err)
	}
	return env, nil
}

// GetMessages returns stored envelopes for a folder, newest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, accountID, folderPath string, limit, offset int) ([]model.MessageEnvelope, error) {
	query := `
		SELECT uid, flags, internal_date, size, subject,
		       from_addrs, to_addrs, cc_addrs,
		       sent_at, message_id, in_reply_to, snippet
		FROM messages WHERE account_id = ? AND folder_path = ?
		ORDER BY sent_at DESC, uid DESC`
	args := []any{accountID, folderPath}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	out := make([]model.MessageEnvelope, 0, len(rows))
	for _, r := range rows {
		env, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// DeleteMessages removes specific messages from a folder.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, accountID, folderPath string, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}

	args := make([]any, 0, len(uids)+2)
	args = append(args, accountID, folderPath)
	args = append(args, xslices.Map(uids, func(uid imap.UID) any { return uint32(uid) })...)
	query := "DELETE FROM messages WHERE account_id = ? AND folder_path = ? AND uid IN (?" +
		repeatPlaceholders(len(uids)-1) + ")"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return nil
}

// PurgeMessages removes every message stored for a folder.
func (s *SQLiteStore) PurgeMessages(ctx context.Context, accountID, folderPath string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND folder_path = ?", accountID, folderPath); err != nil {
		return fmt.Errorf("purging messages for folder %s: %w", folderPath, err)
	}
	return nil
}

// UpdateFlags replaces the flag sets of known messages. Unknown UIDs
// are ignored.
func (s *SQLiteStore) UpdateFlags(ctx context.Context, accountID, folderPath string, flags map[imap.UID][]imap.Flag) error {
	if len(flags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"UPDATE messages SET flags = ?, seen = ? WHERE account_id = ? AND folder_path = ? AND uid = ?")
	if err != nil {
		return fmt.Errorf("preparing flag update: %w", err)
	}
	defer stmt.Close()

	for uid, set := range flags {
		encoded, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("marshaling flags for uid %d: %w", uid, err)
		}
		seen := 0
		for _, f := range set {
			if f == imap.FlagSeen {
				seen = 1
				break
			}
		}
		if _, err := stmt.ExecContext(ctx, string(encoded), seen, accountID, folderPath, uint32(uid)); err != nil {
			return fmt.Errorf("updating flags for uid %d: %w", uid, err)
		}
	}
	return tx.Commit()
}

// SetSnippet stores the preview text for one message.
func (s *SQLiteStore) SetSnippet(ctx context.Context, accountID, folderPath string, uid imap.UID, snippet string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET snippet = ? WHERE account_id = ? AND folder_path = ? AND uid = ?",
		snippet, accountID, folderPath, uint32(uid)); err != nil {
		return fmt.Errorf("setting snippet for uid %d: %w", uid, err)
	}
	return nil
}

// UnreadCount recomputes the number of unseen messages in a folder.
func (s *SQLiteStore) UnreadCount(ctx context.Context, accountID, folderPath string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND folder_path = ? AND seen = 0",
		accountID, folderPath)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// EnqueueSend stores a new outbound queue entry.
func (s *SQLiteStore) EnqueueSend(ctx context.Context, send model.QueuedSend) error {
	recipients, err := json.Marshal(send.Recipients)
	if err != nil {
		return fmt.Errorf("marshaling recipients for send %s: %w", send.ID, err)
	}

	const query = `
		INSERT INTO outbox (
			id, account_id, from_addr, recipients, message_id, raw,
			status, retry_count, last_error, not_before, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		send.ID, send.AccountID, send.From, string(recipients), send.MessageID, send.Raw,
		string(send.Status), send.RetryCount, send.LastError,
		send.NotBefore.UTC(), send.CreatedAt.UTC(), send.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueueing send %s: %w", send.ID, err)
	}
	return nil
}

type sendRow struct {
	ID         string    `db:"id"`
	AccountID  string    `db:"account_id"`
	FromAddr   string    `db:"from_addr"`
	Recipients string    `db:"recipients"`
	MessageID  string    `db:"message_id"`
	Raw        []byte    `db:"raw"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
	LastError  string    `db:"last_error"`
	NotBefore  time.Time `db:"not_before"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r sendRow) toModel() (model.QueuedSend, error) {
	send := model.QueuedSend{
		ID:         r.ID,
		AccountID:  r.AccountID,
		From:       r.FromAddr,
		MessageID:  r.MessageID,
		Raw:        r.Raw,
		Status:     model.SendStatus(r.Status),
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
		NotBefore:  r.NotBefore,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Recipients), &send.Recipients); err != nil {
		return send, fmt.Errorf("unmarshaling recipients for send %s: %w", r.ID, err)
	}
	return send, nil
}

const sendColumns = `id, account_id, from_addr, recipients, message_id, raw,
	status, retry_count, last_error, not_before, created_at, updated_at`

// NextPendingSend returns the oldest eligible queue entry for an
// account, or nil when nothing is runnable at now.
func (s *SQLiteStore) NextPendingSend(ctx context.Context, accountID string, now time.Time) (*model.QueuedSend, error) {
	query := `
		SELECT ` + sendColumns + `
		FROM outbox
		WHERE account_id = ? AND status IN ('pending', 'retrying') AND not_before <= ?
		ORDER BY created_at LIMIT 1`

	var row sendRow
	err := s.db.GetContext(ctx, &row, query, accountID, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying next pending send: %w", err)
	}
	send, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &send, nil
}

// UpdateSend replaces the mutable fields of a queue entry.
func (s *SQLiteStore) UpdateSend(ctx context.Context, send model.QueuedSend) error {
	const query = `
		UPDATE outbox
		SET status = ?, retry_count = ?, last_error = ?, not_before = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(send.Status), send.RetryCount, send.LastError,
		send.NotBefore.UTC(), send.UpdatedAt.UTC(), send.ID)
	if err != nil {
		return fmt.Errorf("updating send %s: %w", send.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating send %s: not found", send.ID)
	}
	return nil
}

// GetSend returns one queue entry, or nil when it is unknown.
func (s *SQLiteStore) GetSend(ctx context.Context, id string) (*model.QueuedSend, error) {
	var row sendRow
	err := s.db.GetContext(ctx, &row, "SELECT "+sendColumns+" FROM outbox WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying send %s: %w", id, err)
	}
	send, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &send, nil
}

// DeleteSend removes a queue entry.
func (s *SQLiteStore) DeleteSend(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting send %s: %w", id, err)
	}
	return nil
}

// ListSends returns every queue entry for an account, oldest first.
func (s *SQLiteStore) ListSends(ctx context.Context, accountID string) ([]model.QueuedSend, error) {
	query := "SELECT " + sendColumns + " FROM outbox WHERE account_id = ? ORDER BY created_at"

	var rows []sendRow
	if err := s.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("querying sends: %w", err)
	}

	out := make([]model.QueuedSend, 0, len(rows))
	for _, r := range rows {
		send, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, send)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// repeatPlaceholders returns n copies of ", ?".
func repeatPlaceholders(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ',', ' ', '?')
	}
	return string(out)
}
