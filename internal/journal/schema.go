// Package journal keeps a SQLite history of terminal messages and replica
// lifecycle events, queryable after the in-memory replica has moved on.
package journal

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	source            TEXT NOT NULL,
	target            TEXT NOT NULL,
	sender            TEXT NOT NULL,
	method            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	rejection_code    INTEGER NOT NULL DEFAULT 0,
	rejection_message TEXT NOT NULL DEFAULT '',
	cycles            TEXT NOT NULL DEFAULT '0',
	args              BLOB,
	result            BLOB,
	reply_context     TEXT NOT NULL DEFAULT '',
	origin            TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	completed_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	canister   TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(target);
CREATE INDEX IF NOT EXISTS idx_messages_method ON messages(method);
CREATE INDEX IF NOT EXISTS idx_events_canister ON events(canister);
`

// DB wraps a sql.DB with journal operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the journal database and applies the schema.
// ":memory:" keeps the journal in memory for the life of the process.
func Open(dsn string) (*DB, error) {
	memory := dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	conn, err := sql.Open("sqlite3", dsn+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
