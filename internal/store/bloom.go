package store

import (
	"context"
	"fmt"
	"time"
)

// BloomWindow mirrors one row of the bloom_windows table: a snapshot of
// one rotating-Bloom-filter window, persisted so a restart can resume
// gossip state instead of rebuilding it from nothing.
type BloomWindow struct {
	Index     int
	StartTime time.Time
	Data      []byte
}

// SaveBloomWindows replaces the persisted rotating-Bloom snapshot with the
// given windows, each stored under its own Index (as produced by
// Rotating.Snapshot: index 0 is the newest window).
func (s *Store) SaveBloomWindows(ctx context.Context, windows []BloomWindow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save_bloom_windows begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bloom_windows`); err != nil {
		return fmt.Errorf("store: save_bloom_windows clear: %w", err)
	}
	for _, w := range windows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bloom_windows (window_index, start_time, bloom_data)
			VALUES (?, ?, ?)`, w.Index, w.StartTime.Unix(), w.Data); err != nil {
			return fmt.Errorf("store: save_bloom_windows insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save_bloom_windows commit: %w", err)
	}
	return nil
}

// LoadBloomWindows returns the persisted rotating-Bloom snapshot, ordered
// by window_index, or an empty slice if none was ever saved.
func (s *Store) LoadBloomWindows(ctx context.Context) ([]BloomWindow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT window_index, start_time, bloom_data FROM bloom_windows ORDER BY window_index`)
	if err != nil {
		return nil, fmt.Errorf("store: load_bloom_windows: %w", err)
	}
	defer rows.Close()

	var out []BloomWindow
	for rows.Next() {
		var w BloomWindow
		var start int64
		if err := rows.Scan(&w.Index, &start, &w.Data); err != nil {
			return nil, fmt.Errorf("store: load_bloom_windows scan: %w", err)
		}
		w.StartTime = time.Unix(start, 0).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}
