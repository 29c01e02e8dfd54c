package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of SQLite schema migrations. Timestamps are
// stored as unix milliseconds (UTC). The Postgres schema lives in
// internal/db/migrations and must stay equivalent.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id                TEXT PRIMARY KEY,
	origin_message_id TEXT NOT NULL,
	subject           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
	customer_name     TEXT NOT NULL DEFAULT '',
	customer_email    TEXT NOT NULL DEFAULT '',
	last_message_at   INTEGER NOT NULL,
	message_count     INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_subject_activity ON threads(subject, last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_threads_status_activity ON threads(status, last_message_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	thread_id      TEXT NOT NULL REFERENCES threads(id),
	message_key    TEXT NOT NULL UNIQUE,
	in_reply_to    TEXT NOT NULL DEFAULT '',
	references_ids TEXT NOT NULL DEFAULT '[]',
	from_address   TEXT NOT NULL DEFAULT '',
	from_name      TEXT NOT NULL DEFAULT '',
	to_address     TEXT NOT NULL DEFAULT '',
	to_name        TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	body_text      TEXT NOT NULL DEFAULT '',
	body_html      TEXT NOT NULL DEFAULT '',
	is_from_agent  INTEGER NOT NULL DEFAULT 0,
	direction      TEXT NOT NULL,
	folder         TEXT NOT NULL,
	source_uid     INTEGER,
	created_at     INTEGER NOT NULL,
	ingested_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	url          TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	mailbox      TEXT NOT NULL,
	folder       TEXT NOT NULL,
	last_uid     INTEGER NOT NULL DEFAULT 0,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (mailbox, folder)
);

CREATE TABLE IF NOT EXISTS thread_replies (
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	responder  TEXT NOT NULL,
	replied_at INTEGER NOT NULL,
	PRIMARY KEY (thread_id, responder)
);

CREATE TABLE IF NOT EXISTS orphan_messages (
	mailbox       TEXT NOT NULL,
	folder        TEXT NOT NULL,
	message_key   TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	first_seen_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	PRIMARY KEY (mailbox, folder, message_key)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE orphan_messages ADD COLUMN uid_validity INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
