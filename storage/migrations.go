package storage

// migration holds a single schema migration with its target version and SQL.
// The DDL sticks to types both SQLite and PostgreSQL accept; timestamps
// are unix milliseconds.
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
CREATE TABLE IF NOT EXISTS mailbox_accounts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	email              TEXT NOT NULL,
	display_name       TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL,
	status             TEXT NOT NULL,
	status_message     TEXT NOT NULL DEFAULT '',
	imap_host          TEXT,
	imap_port          INTEGER,
	imap_secure        BOOLEAN,
	smtp_host          TEXT,
	smtp_port          INTEGER,
	smtp_secure        BOOLEAN,
	username_enc       TEXT,
	password_enc       TEXT,
	provider           TEXT,
	access_token_enc   TEXT,
	refresh_token_enc  TEXT,
	token_expiry       BIGINT NOT NULL DEFAULT 0,
	scopes             TEXT NOT NULL DEFAULT '',
	created_at         BIGINT NOT NULL,
	updated_at         BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mailbox_accounts_owner_email
	ON mailbox_accounts(user_id, email);

CREATE TABLE IF NOT EXISTS sent_messages (
	id                  TEXT PRIMARY KEY,
	mailbox_account_id  TEXT NOT NULL REFERENCES mailbox_accounts(id) ON DELETE CASCADE,
	user_id             TEXT NOT NULL,
	direction           TEXT NOT NULL,
	from_address        TEXT NOT NULL,
	to_address          TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	text_body           TEXT NOT NULL DEFAULT '',
	html_body           TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	sent_at             BIGINT NOT NULL,
	received_at         BIGINT NOT NULL,
	is_read             BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sent_messages_account
	ON sent_messages(mailbox_account_id, id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
