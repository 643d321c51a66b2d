package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rfmpd/rfmpd/internal/rfmp"
)

// SaveMessage inserts msg, returning inserted=false (a no-op) when the id
// already exists, so insert is idempotent. On insert it upserts
// the message's channel and originating node aggregates in the same
// transaction.
func (s *Store) SaveMessage(ctx context.Context, msg rfmp.Message) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: save_message begin: %w", err)
	}
	defer tx.Rollback()

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	var transmittedAt sql.NullInt64
	if !msg.TransmittedAt.IsZero() {
		transmittedAt = sql.NullInt64{Int64: msg.TransmittedAt.Unix(), Valid: true}
	}
	var replyTo sql.NullString
	if msg.ReplyTo != "" {
		replyTo = sql.NullString{String: msg.ReplyTo, Valid: true}
	}
	var author sql.NullString
	if msg.Author != "" {
		author = sql.NullString{String: msg.Author, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, from_node, author, timestamp, channel, priority, reply_to, body, received_at, transmitted_at, rebroadcast_count, raw_frame)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromNode, author, msg.Timestamp, msg.Channel, msg.Priority, replyTo, msg.Body,
		receivedAt.Unix(), transmittedAt, msg.RebroadcastCount, msg.RawFrame,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: save_message insert: %w", err)
	}

	now := receivedAt.Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (name, first_message, last_message, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(name) DO UPDATE SET last_message = excluded.last_message, message_count = message_count + 1
	`, msg.Channel, now, now); err != nil {
		return false, fmt.Errorf("store: save_message channel upsert: %w", err)
	}

	if err := upsertNodeStats(ctx, tx, msg.FromNode, ActivityMessage, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: save_message commit: %w", err)
	}
	return true, nil
}

// isUniqueViolation reports whether err is a primary-key/unique constraint
// violation, the only expected failure mode for a duplicate message id.
// modernc.org/sqlite surfaces these as a plain error whose message contains
// SQLite's own constraint-failure text, so match on that rather than a
// driver-specific error type.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "constraint failed") ||
		strings.Contains(err.Error(), "UNIQUE constraint")
}

func scanMessage(row interface{ Scan(...any) error }) (rfmp.Message, error) {
	var m rfmp.Message
	var author, replyTo sql.NullString
	var transmittedAt sql.NullInt64
	var receivedAt int64
	err := row.Scan(&m.ID, &m.FromNode, &author, &m.Timestamp, &m.Channel, &m.Priority,
		&replyTo, &m.Body, &receivedAt, &transmittedAt, &m.RebroadcastCount, &m.RawFrame)
	if err != nil {
		return rfmp.Message{}, err
	}
	m.Author = author.String
	m.ReplyTo = replyTo.String
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	if transmittedAt.Valid {
		m.TransmittedAt = time.Unix(transmittedAt.Int64, 0).UTC()
	}
	return m, nil
}

const messageColumns = `id, from_node, author, timestamp, channel, priority, reply_to, body, received_at, transmitted_at, rebroadcast_count, raw_frame`

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (rfmp.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rfmp.Message{}, false, nil
	}
	if err != nil {
		return rfmp.Message{}, false, fmt.Errorf("store: get_message: %w", err)
	}
	return m, true, nil
}

// MessageFilter narrows GetRecentMessages; zero values mean "no filter".
type MessageFilter struct {
	Channel  string
	FromNode string
}

// GetRecentMessages returns up to limit messages, newest received first,
// optionally filtered by channel and/or originating node.
func (s *Store) GetRecentMessages(ctx context.Context, limit int, filter MessageFilter) ([]rfmp.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any
	if filter.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, filter.Channel)
	}
	if filter.FromNode != "" {
		query += ` AND from_node = ?`
		args = append(args, filter.FromNode)
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get_recent_messages: %w", err)
	}
	defer rows.Close()

	var out []rfmp.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: get_recent_messages scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkTransmitted stamps a message's transmitted_at the first time it
// is handed to the TNC connector.
func (s *Store) MarkTransmitted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET transmitted_at = ? WHERE id = ? AND transmitted_at IS NULL`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: mark_transmitted: %w", err)
	}
	return nil
}

// IncrementRebroadcastCount bumps a message's rebroadcast counter.
func (s *Store) IncrementRebroadcastCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET rebroadcast_count = rebroadcast_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: increment_rebroadcast_count: %w", err)
	}
	return nil
}
