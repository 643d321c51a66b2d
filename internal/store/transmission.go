package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rfmpd/rfmpd/internal/rfmp"
)

// TransmissionStatus is one of the transmission_queue row lifecycle states.
type TransmissionStatus string

const (
	StatusPending      TransmissionStatus = "pending"
	StatusTransmitting TransmissionStatus = "transmitting"
	StatusSent         TransmissionStatus = "sent"
	StatusFailed       TransmissionStatus = "failed"
)

// TransmissionRow is a pending or in-flight outgoing frame.
type TransmissionRow struct {
	ID            int64
	FrameType     rfmp.FrameType
	SerializedFrame string
	Priority      int
	ScheduledAt   time.Time
	CreatedAt     time.Time
	Attempts      int
	Status        TransmissionStatus
}

// QueueTransmission enqueues a serialized frame for transmission
// after delay, at the given priority (0 = most urgent, matching
// RFMP's own priority semantics).
func (s *Store) QueueTransmission(ctx context.Context, frameType rfmp.FrameType, serialized string, priority int, delay time.Duration) (int64, error) {
	now := time.Now()
	scheduledAt := now.Add(delay)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transmission_queue (frame_type, frame_data, priority, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(frameType), serialized, priority, scheduledAt.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: queue_transmission: %w", err)
	}
	return res.LastInsertId()
}

// GetNextTransmission atomically selects and claims the earliest eligible
// pending row — status=pending, scheduled_at<=now, ordered by priority
// ASC then scheduled_at ASC — marking it "transmitting" in the same
// transaction so concurrent callers never observe the same row twice.
func (s *Store) GetNextTransmission(ctx context.Context) (*TransmissionRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: get_next_transmission begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	row := tx.QueryRowContext(ctx, `
		SELECT id, frame_type, frame_data, priority, scheduled_at, created_at, attempts, status
		FROM transmission_queue
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT 1`, now)

	var t TransmissionRow
	var scheduledAt, createdAt int64
	var status string
	err = row.Scan(&t.ID, &t.FrameType, &t.SerializedFrame, &t.Priority, &scheduledAt, &createdAt, &t.Attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_next_transmission scan: %w", err)
	}
	t.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.Status = TransmissionStatus(status)

	if _, err := tx.ExecContext(ctx, `UPDATE transmission_queue SET status = 'transmitting', attempts = attempts + 1 WHERE id = ?`, t.ID); err != nil {
		return nil, fmt.Errorf("store: get_next_transmission claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: get_next_transmission commit: %w", err)
	}
	t.Attempts++
	t.Status = StatusTransmitting
	return &t, nil
}

// MarkTransmissionSent finalizes a successfully transmitted row.
func (s *Store) MarkTransmissionSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE transmission_queue SET status = 'sent' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark_transmission_sent: %w", err)
	}
	return nil
}

// MarkTransmissionFailed finalizes a row that could not be sent.
func (s *Store) MarkTransmissionFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE transmission_queue SET status = 'failed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark_transmission_failed: %w", err)
	}
	return nil
}

// ReviveStuckTransmissions resets "transmitting" rows whose scheduled_at
// lies more than maxAge in the past back to "pending": the janitor for TX
// rows orphaned by a TNC I/O failure mid-send. The table records no claim
// time, so age is measured from scheduled_at.
func (s *Store) ReviveStuckTransmissions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transmission_queue SET status = 'pending'
		WHERE status = 'transmitting' AND scheduled_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: revive_stuck_transmissions: %w", err)
	}
	return res.RowsAffected()
}

// PendingTransmissionCount reports the number of rows still awaiting send,
// backing the daemon status surface's queue-depth field.
func (s *Store) PendingTransmissionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transmission_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending_transmission_count: %w", err)
	}
	return n, nil
}
