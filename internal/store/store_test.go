package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmpd/rfmpd/internal/rfmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "rfmpd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) rfmp.Message {
	return rfmp.Message{
		ID:        id,
		FromNode:  "N0CALL-3",
		Timestamp: "20260101T000000Z",
		Channel:   "general",
		Priority:  1,
		Body:      "hello",
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.SaveMessage(ctx, testMessage("deadbeef0001"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveMessage(ctx, testMessage("deadbeef0001"))
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate id must be silently rejected")

	got, ok, err := s.GetMessage(ctx, "deadbeef0001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "general", got.Channel)
}

func TestSaveMessageUpsertsChannelAndNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveMessage(ctx, testMessage("deadbeef0002"))
	require.NoError(t, err)

	channels, err := s.GetChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, 1, channels[0].MessageCount)

	nodes, err := s.GetActiveNodes(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "N0CALL-3", nodes[0].Callsign)
	assert.Equal(t, 1, nodes[0].MessageCount)
}

func TestMarkSeenIfNewExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := []string{"aaaaaaaaaaaa", "aaaaaaaaaaaa", "bbbbbbbbbbbb", "aaaaaaaaaaaa"}
	newCount := 0
	for _, id := range ids {
		isNew, err := s.MarkSeenIfNew(ctx, id, nil)
		require.NoError(t, err)
		if isNew {
			newCount++
		}
	}
	assert.Equal(t, 2, newCount, "exactly one admission per distinct id")
}

func TestMarkSeenIfNewTracksFragmentsIndependently(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idx0, idx1 := 0, 1
	isNew, err := s.MarkSeenIfNew(ctx, "msg1", &idx0)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.MarkSeenIfNew(ctx, "msg1", &idx1)
	require.NoError(t, err)
	assert.True(t, isNew, "distinct fragment index is independently new")

	isNew, err = s.MarkSeenIfNew(ctx, "msg1", &idx0)
	require.NoError(t, err)
	assert.False(t, isNew)

	isNew, err = s.MarkSeenIfNew(ctx, "msg1", nil)
	require.NoError(t, err)
	assert.True(t, isNew, "whole-message entry is independent of fragment entries")
}

func TestTransmissionQueueOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Priority 2 queued first; all rows have zero delay, so priority
	// alone decides the order.
	_, err := s.QueueTransmission(ctx, rfmp.TypeMSG, "frame-prio2", 2, 0)
	require.NoError(t, err)
	_, err = s.QueueTransmission(ctx, rfmp.TypeMSG, "frame-prio0", 0, 0)
	require.NoError(t, err)
	_, err = s.QueueTransmission(ctx, rfmp.TypeMSG, "frame-prio1", 1, 0)
	require.NoError(t, err)

	first, err := s.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "frame-prio0", first.SerializedFrame, "priority 0 (most urgent) dequeues first")

	second, err := s.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "frame-prio1", second.SerializedFrame)

	third, err := s.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "frame-prio2", third.SerializedFrame)

	fourth, err := s.GetNextTransmission(ctx)
	require.NoError(t, err)
	assert.Nil(t, fourth)
}

func TestGetNextTransmissionRespectsScheduledAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.QueueTransmission(ctx, rfmp.TypeMSG, "future", 0, time.Hour)
	require.NoError(t, err)

	row, err := s.GetNextTransmission(ctx)
	require.NoError(t, err)
	assert.Nil(t, row, "a row scheduled in the future is not yet eligible")
}

func TestFragmentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.SaveFragment(ctx, Fragment{MessageID: "msg1", Idx: 0, Total: 2, Payload: []byte("ab")})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveFragment(ctx, Fragment{MessageID: "msg1", Idx: 0, Total: 2, Payload: []byte("ab")})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate (message_id, idx) is rejected")

	_, err = s.SaveFragment(ctx, Fragment{MessageID: "msg1", Idx: 1, Total: 2, Payload: []byte("cd")})
	require.NoError(t, err)

	frags, err := s.GetFragments(ctx, "msg1")
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, 0, frags[0].Idx)
	assert.Equal(t, 1, frags[1].Idx)
}

func TestRequestTrackingBackoffDoubles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r, err := s.RecordRequestAttempt(ctx, "deadbeef012345", 30*time.Second, 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30, r.BackoffSeconds)

	r, err = s.RecordRequestAttempt(ctx, "deadbeef012345", 30*time.Second, 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60, r.BackoffSeconds)
	assert.Equal(t, 1, r.RetryCount)

	r, err = s.RecordRequestAttempt(ctx, "deadbeef012345", 30*time.Second, 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 120, r.BackoffSeconds)
}

func TestFlagRebroadcastOncePerMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.MarkSeenIfNew(ctx, "msg1", nil)
	require.NoError(t, err)

	flagged, err := s.IsFlaggedForRebroadcast(ctx, "msg1")
	require.NoError(t, err)
	assert.False(t, flagged)

	require.NoError(t, s.FlagRebroadcast(ctx, "msg1"))

	flagged, err = s.IsFlaggedForRebroadcast(ctx, "msg1")
	require.NoError(t, err)
	assert.True(t, flagged)
}
