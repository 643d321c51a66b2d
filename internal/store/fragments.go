package store

import (
	"context"
	"fmt"
	"time"
)

// Fragment is a persisted chunk of an oversize message, keyed by
// (MessageID, Idx).
type Fragment struct {
	MessageID  string
	Idx        int
	Total      int
	Payload    []byte
	ReceivedAt time.Time
}

// SaveFragment inserts a fragment, returning inserted=false when the
// (message_id, idx) pair already exists.
func (s *Store) SaveFragment(ctx context.Context, f Fragment) (inserted bool, err error) {
	receivedAt := f.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fragments (message_id, idx, total, data, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.MessageID, f.Idx, f.Total, f.Payload, receivedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: save_fragment: %w", err)
	}
	return true, nil
}

// GetFragments returns all stored fragments for messageID, ordered by idx.
func (s *Store) GetFragments(ctx context.Context, messageID string) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, idx, total, data, received_at FROM fragments
		WHERE message_id = ? ORDER BY idx`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: get_fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var receivedAt int64
		if err := rows.Scan(&f.MessageID, &f.Idx, &f.Total, &f.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("store: get_fragments scan: %w", err)
		}
		f.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// CleanupOldFragments removes fragments received more than maxAge ago,
// stale partial reassemblies that will never complete.
func (s *Store) CleanupOldFragments(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup_old_fragments: %w", err)
	}
	return res.RowsAffected()
}
