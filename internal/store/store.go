// Package store implements RFMPD's persistent, transactional message
// store: messages, fragments, node/channel/user statistics, the
// transmission queue, the seen-cache dedup primitive, and the
// request-tracking mirror of the REQ rate limiter. Backed by SQLite via
// the pure-Go modernc.org/sqlite driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection. A single open connection is used
// deliberately: it serializes all access, which is what makes the
// dedup primitive and the transmission-queue dequeue atomic without a
// hand-rolled mutex duplicating what the connection pool already gives us.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) the parent directory of path and opens a
// SQLite database there, creating the schema on first use.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_node TEXT NOT NULL,
		author TEXT,
		timestamp TEXT NOT NULL,
		channel TEXT NOT NULL,
		priority INTEGER NOT NULL,
		reply_to TEXT,
		body TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		transmitted_at INTEGER,
		rebroadcast_count INTEGER DEFAULT 0,
		raw_frame TEXT,
		FOREIGN KEY (reply_to) REFERENCES messages(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from_node ON messages(from_node)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at DESC)`,

	`CREATE TABLE IF NOT EXISTS fragments (
		message_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		total INTEGER NOT NULL,
		data BLOB NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, idx)
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		callsign TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		last_sync INTEGER,
		message_count INTEGER DEFAULT 0,
		sync_count INTEGER DEFAULT 0,
		req_count INTEGER DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		first_message INTEGER NOT NULL,
		last_message INTEGER NOT NULL,
		message_count INTEGER DEFAULT 0,
		unique_nodes INTEGER DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS request_tracking (
		message_id TEXT PRIMARY KEY,
		first_request INTEGER NOT NULL,
		last_request INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		backoff_seconds INTEGER DEFAULT 30,
		success INTEGER DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		message_count INTEGER DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS bloom_windows (
		window_index INTEGER PRIMARY KEY,
		start_time INTEGER NOT NULL,
		bloom_data BLOB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transmission_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_type TEXT NOT NULL,
		frame_data TEXT NOT NULL,
		priority INTEGER DEFAULT 1,
		scheduled_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		attempts INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transmission_queue_scheduled
		ON transmission_queue(scheduled_at, priority ASC)
		WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS seen_cache (
		message_id TEXT NOT NULL,
		fragment_idx INTEGER NOT NULL DEFAULT -1,
		seen_at INTEGER NOT NULL,
		rebroadcast INTEGER DEFAULT 0,
		PRIMARY KEY (message_id, fragment_idx)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seen_cache_cleanup ON seen_cache(seen_at)`,
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: starting schema transaction: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: creating schema: %w", err)
		}
	}
	return tx.Commit()
}
