package cache

// Schema contains SQL schema definitions for the state database
const Schema = `
-- Per-mailbox sync checkpoint
CREATE TABLE IF NOT EXISTS mailboxes (
    account        TEXT NOT NULL,
    mailbox        TEXT NOT NULL,
    uidvalidity    INTEGER NOT NULL DEFAULT 0,
    highest_modseq INTEGER NOT NULL DEFAULT 0,
    updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account, mailbox)
);

-- UID to Maildir-key map
CREATE TABLE IF NOT EXISTS messages (
    account       TEXT NOT NULL,
    mailbox       TEXT NOT NULL,
    uid           INTEGER NOT NULL,
    key           TEXT NOT NULL,
    flags         TEXT NOT NULL DEFAULT '',
    size          INTEGER NOT NULL DEFAULT 0,
    internal_date INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account, mailbox, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_key ON messages(account, mailbox, key);

-- APPENDs recorded before they are issued, cleared once the assigned UID is
-- durable; a surviving row marks an append of unknown outcome.
CREATE TABLE IF NOT EXISTS pending_appends (
    account    TEXT NOT NULL,
    mailbox    TEXT NOT NULL,
    key        TEXT NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account, mailbox, key)
);
`
