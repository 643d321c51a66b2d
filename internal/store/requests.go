package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RequestTracking mirrors the request_tracking table: the persisted record
// of a message's REQ backoff state. The in-memory
// ratelimit.Limiter is the source of truth for live admission decisions;
// this table exists so a restart doesn't forget an in-flight backoff
// and immediately re-REQ.
type RequestTracking struct {
	MessageID     string
	FirstRequest  time.Time
	LastRequest   time.Time
	RetryCount    int
	BackoffSeconds int
	Success       bool
}

// RecordRequestAttempt inserts or advances a message's persisted REQ
// tracking row, doubling its backoff (capped at maxBackoff) on every
// attempt after the first.
func (s *Store) RecordRequestAttempt(ctx context.Context, messageID string, initialBackoff, maxBackoff time.Duration) (RequestTracking, error) {
	now := time.Now()

	var existing RequestTracking
	var firstReq, lastReq int64
	var success int
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, first_request, last_request, retry_count, backoff_seconds, success
		FROM request_tracking WHERE message_id = ?`, messageID,
	).Scan(&existing.MessageID, &firstReq, &lastReq, &existing.RetryCount, &existing.BackoffSeconds, &success)

	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO request_tracking (message_id, first_request, last_request, retry_count, backoff_seconds, success)
			VALUES (?, ?, ?, 0, ?, 0)`, messageID, now.Unix(), now.Unix(), int(initialBackoff.Seconds()))
		if err != nil {
			return RequestTracking{}, fmt.Errorf("store: record_request_attempt insert: %w", err)
		}
		return RequestTracking{MessageID: messageID, FirstRequest: now, LastRequest: now, BackoffSeconds: int(initialBackoff.Seconds())}, nil
	}
	if err != nil {
		return RequestTracking{}, fmt.Errorf("store: record_request_attempt lookup: %w", err)
	}

	retryCount := existing.RetryCount + 1
	backoff := existing.BackoffSeconds * 2
	if backoff > int(maxBackoff.Seconds()) {
		backoff = int(maxBackoff.Seconds())
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE request_tracking SET last_request = ?, retry_count = ?, backoff_seconds = ?
		WHERE message_id = ?`, now.Unix(), retryCount, backoff, messageID); err != nil {
		return RequestTracking{}, fmt.Errorf("store: record_request_attempt update: %w", err)
	}

	return RequestTracking{
		MessageID:      messageID,
		FirstRequest:   time.Unix(firstReq, 0).UTC(),
		LastRequest:    now,
		RetryCount:     retryCount,
		BackoffSeconds: backoff,
		Success:        success != 0,
	}, nil
}

// GetRequestTracking returns the persisted REQ-backoff row for messageID,
// if one exists.
func (s *Store) GetRequestTracking(ctx context.Context, messageID string) (RequestTracking, bool, error) {
	var r RequestTracking
	var firstReq, lastReq int64
	var success int
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, first_request, last_request, retry_count, backoff_seconds, success
		FROM request_tracking WHERE message_id = ?`, messageID,
	).Scan(&r.MessageID, &firstReq, &lastReq, &r.RetryCount, &r.BackoffSeconds, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestTracking{}, false, nil
	}
	if err != nil {
		return RequestTracking{}, false, fmt.Errorf("store: get_request_tracking: %w", err)
	}
	r.FirstRequest = time.Unix(firstReq, 0).UTC()
	r.LastRequest = time.Unix(lastReq, 0).UTC()
	r.Success = success != 0
	return r, true, nil
}

// MarkRequestSuccess flags a tracked message as received, so it is
// excluded from further REQ admission.
func (s *Store) MarkRequestSuccess(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_tracking SET success = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("store: mark_request_success: %w", err)
	}
	return nil
}

// LoadRequestTracking returns every non-terminal (not yet successful)
// tracking row, used to hydrate the in-memory rate limiter on startup so a
// restart doesn't forget in-flight backoff state.
func (s *Store) LoadRequestTracking(ctx context.Context) ([]RequestTracking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, first_request, last_request, retry_count, backoff_seconds, success
		FROM request_tracking WHERE success = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: load_request_tracking: %w", err)
	}
	defer rows.Close()

	var out []RequestTracking
	for rows.Next() {
		var r RequestTracking
		var firstReq, lastReq int64
		var success int
		if err := rows.Scan(&r.MessageID, &firstReq, &lastReq, &r.RetryCount, &r.BackoffSeconds, &success); err != nil {
			return nil, fmt.Errorf("store: load_request_tracking scan: %w", err)
		}
		r.FirstRequest = time.Unix(firstReq, 0).UTC()
		r.LastRequest = time.Unix(lastReq, 0).UTC()
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
