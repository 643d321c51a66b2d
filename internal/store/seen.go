package store

import (
	"context"
	"fmt"
	"time"
)

// noFragment is the seen_cache sentinel fragment_idx for a whole-message
// entry (as opposed to one tracking an individual FRAG), since SQLite's
// primary-key uniqueness over a nullable column doesn't behave the way a
// fixed sentinel does.
const noFragment = -1

// MarkSeenIfNew is the deduplication primitive: it
// atomically inserts (id, fragmentIdx) into the seen cache and reports
// whether the row was newly created. fragmentIdx of nil marks a whole
// MSG; a non-nil value marks one FRAG index.
func (s *Store) MarkSeenIfNew(ctx context.Context, messageID string, fragmentIdx *int) (bool, error) {
	idx := noFragment
	if fragmentIdx != nil {
		idx = *fragmentIdx
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_cache (message_id, fragment_idx, seen_at, rebroadcast)
		VALUES (?, ?, ?, 0)`, messageID, idx, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("store: mark_seen_if_new: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark_seen_if_new rows affected: %w", err)
	}
	return n > 0, nil
}

// IsFlaggedForRebroadcast reports whether a whole message has already been
// marked for rebroadcast, so the ingest handler enqueues at most one
// rebroadcast per id.
func (s *Store) IsFlaggedForRebroadcast(ctx context.Context, messageID string) (bool, error) {
	var rebroadcast int
	err := s.db.QueryRowContext(ctx, `
		SELECT rebroadcast FROM seen_cache WHERE message_id = ? AND fragment_idx = ?`,
		messageID, noFragment).Scan(&rebroadcast)
	if err != nil {
		return false, nil // no row yet (shouldn't happen post-MarkSeenIfNew, but fail open)
	}
	return rebroadcast != 0, nil
}

// FlagRebroadcast marks a whole message as scheduled for rebroadcast.
func (s *Store) FlagRebroadcast(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE seen_cache SET rebroadcast = 1 WHERE message_id = ? AND fragment_idx = ?`,
		messageID, noFragment)
	if err != nil {
		return fmt.Errorf("store: flag_rebroadcast: %w", err)
	}
	return nil
}

// CleanupSeenCache removes entries older than maxAge.
func (s *Store) CleanupSeenCache(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_cache WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup_seen_cache: %w", err)
	}
	return res.RowsAffected()
}
