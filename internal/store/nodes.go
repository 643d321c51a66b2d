package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Activity tags the kind of traffic a node or user generated.
type Activity int

const (
	ActivityMessage Activity = iota
	ActivitySync
	ActivityReq
)

// Node mirrors the nodes table: per-callsign activity counters.
type Node struct {
	Callsign     string
	FirstSeen    time.Time
	LastSeen     time.Time
	LastSync     time.Time // zero if never synced
	MessageCount int
	SyncCount    int
	ReqCount     int
}

// UpdateNodeStats upserts callsign's first/last-seen and activity counters.
func (s *Store) UpdateNodeStats(ctx context.Context, callsign string, kind Activity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update_node_stats begin: %w", err)
	}
	defer tx.Rollback()
	if err := upsertNodeStats(ctx, tx, callsign, kind, time.Now().Unix()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: update_node_stats commit: %w", err)
	}
	return nil
}

// execer is the subset of *sql.Tx/*sql.DB this package's internal helpers
// need, so they can run inside a caller's transaction or standalone.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertNodeStats(ctx context.Context, tx execer, callsign string, kind Activity, now int64) error {
	if callsign == "" {
		return nil
	}
	var col string
	switch kind {
	case ActivityMessage:
		col = "message_count"
	case ActivitySync:
		col = "sync_count"
	case ActivityReq:
		col = "req_count"
	default:
		return fmt.Errorf("store: unknown node activity kind %d", kind)
	}

	if kind == ActivitySync {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO nodes (callsign, first_seen, last_seen, last_sync, %s)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(callsign) DO UPDATE SET
				last_seen = excluded.last_seen,
				last_sync = excluded.last_sync,
				%s = %s + 1
		`, col, col, col), callsign, now, now, now)
		return err
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO nodes (callsign, first_seen, last_seen, %s)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(callsign) DO UPDATE SET
			last_seen = excluded.last_seen,
			%s = %s + 1
	`, col, col, col), callsign, now, now)
	return err
}

// GetActiveNodes returns nodes last heard within the trailing window,
// most-recently-active first.
func (s *Store) GetActiveNodes(ctx context.Context, window time.Duration) ([]Node, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, first_seen, last_seen, last_sync, message_count, sync_count, req_count
		FROM nodes WHERE last_seen > ? ORDER BY last_seen DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: get_active_nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var firstSeen, lastSeen int64
		var lastSync sql.NullInt64
		if err := rows.Scan(&n.Callsign, &firstSeen, &lastSeen, &lastSync, &n.MessageCount, &n.SyncCount, &n.ReqCount); err != nil {
			return nil, fmt.Errorf("store: get_active_nodes scan: %w", err)
		}
		n.FirstSeen = time.Unix(firstSeen, 0).UTC()
		n.LastSeen = time.Unix(lastSeen, 0).UTC()
		if lastSync.Valid {
			n.LastSync = time.Unix(lastSync.Int64, 0).UTC()
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Channel mirrors the channels table.
type Channel struct {
	Name          string
	FirstMessage  time.Time
	LastMessage   time.Time
	MessageCount  int
	UniqueNodes   int
}

// GetChannels returns all known channels, most-recently-active first.
func (s *Store) GetChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, first_message, last_message, message_count, unique_nodes
		FROM channels ORDER BY last_message DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: get_channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var first, last int64
		if err := rows.Scan(&c.Name, &first, &last, &c.MessageCount, &c.UniqueNodes); err != nil {
			return nil, fmt.Errorf("store: get_channels scan: %w", err)
		}
		c.FirstMessage = time.Unix(first, 0).UTC()
		c.LastMessage = time.Unix(last, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateUserStats upserts the application-level author registry backing
// the "users" table. A no-op for an empty
// username, since most MSG frames carry no application-level author.
func (s *Store) UpdateUserStats(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(username) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`, username, now, now)
	if err != nil {
		return fmt.Errorf("store: update_user_stats: %w", err)
	}
	return nil
}
