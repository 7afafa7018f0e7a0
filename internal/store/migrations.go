package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	account_id         TEXT NOT NULL,
	path               TEXT NOT NULL,
	delimiter          TEXT NOT NULL DEFAULT '',
	attributes         TEXT NOT NULL DEFAULT '[]',
	selectable         INTEGER NOT NULL DEFAULT 1 CHECK(selectable IN (0, 1)),
	folder_type        TEXT NOT NULL DEFAULT 'regular',
	uid_validity       INTEGER NOT NULL DEFAULT 0,
	highest_synced_uid INTEGER NOT NULL DEFAULT 0,
	uid_next           INTEGER NOT NULL DEFAULT 0,
	updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, path)
);

CREATE TABLE IF NOT EXISTS messages (
	account_id    TEXT NOT NULL,
	folder_path   TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	flags         TEXT NOT NULL DEFAULT '[]',
	seen          INTEGER NOT NULL DEFAULT 0 CHECK(seen IN (0, 1)),
	internal_date DATETIME,
	size          INTEGER NOT NULL DEFAULT 0,
	subject       TEXT NOT NULL DEFAULT '',
	from_addrs    TEXT NOT NULL DEFAULT '[]',
	to_addrs      TEXT NOT NULL DEFAULT '[]',
	cc_addrs      TEXT NOT NULL DEFAULT '[]',
	sent_at       DATETIME,
	message_id    TEXT NOT NULL DEFAULT '',
	in_reply_to   TEXT NOT NULL DEFAULT '',
	snippet       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, folder_path, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(account_id, folder_path);
CREATE INDEX IF NOT EXISTS idx_messages_seen ON messages(account_id, folder_path, seen);
CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);

CREATE TABLE IF NOT EXISTS outbox (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	from_addr   TEXT NOT NULL,
	recipients  TEXT NOT NULL DEFAULT '[]',
	message_id  TEXT NOT NULL DEFAULT '',
	raw         BLOB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'sending', 'sent', 'retrying', 'failed')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	not_before  DATETIME,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_account_status ON outbox(account_id, status);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
