package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmpd/rfmpd/internal/config"
	"github.com/rfmpd/rfmpd/internal/rfmp"
	"github.com/rfmpd/rfmpd/internal/rfmpdlog"
	"github.com/rfmpd/rfmpd/internal/store"
	"github.com/rfmpd/rfmpd/internal/tnc"
)

func testOrchestrator(t *testing.T) (*Orchestrator, context.Context) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Node.Callsign = "N0CALL"
	cfg.Node.SSID = 3
	cfg.Network.OfflineMode = true
	// Zero the base delay formula so queued frames are immediately
	// eligible for dequeue in tests.
	cfg.Timing = config.Timing{}

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "rfmpd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := rfmpdlog.New("ERROR", "", 0, 0)

	connector := tnc.New(tnc.Config{Offline: true}, logger)

	o, err := New(ctx, cfg, st, connector, logger)
	require.NoError(t, err)
	return o, ctx
}

func TestSendMessageQueuesForTransmission(t *testing.T) {
	o, ctx := testOrchestrator(t)

	msg, err := o.SendMessage(ctx, "general", "hello world", 1, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	pending, err := o.store.PendingTransmissionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	stored, ok, err := o.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", stored.Body)
}

func TestSendMessageSubstitutesAuthorOnWire(t *testing.T) {
	o, ctx := testOrchestrator(t)

	msg, err := o.SendMessage(ctx, "general", "hi", 1, "", "nickname")
	require.NoError(t, err)

	row, err := o.store.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)

	frame, err := rfmp.Decode(row.SerializedFrame)
	require.NoError(t, err)
	m, ok := frame.(rfmp.MSG)
	require.True(t, ok)
	assert.Equal(t, "nickname", m.From, "wire frame carries the session nickname, not the node callsign")
	assert.Equal(t, msg.ID, m.ID)
}

func TestHandleMSGDedupesAndPublishes(t *testing.T) {
	o, ctx := testOrchestrator(t)

	id, events := o.Subscribe()
	defer o.Unsubscribe(id)

	incoming, err := rfmp.NewMessage("OTHER-1", "", "general", 1, "", "incoming", time.Now())
	require.NoError(t, err)
	f := incoming.ToFrame()

	o.handleMSG(ctx, f, "")
	select {
	case ev := <-events:
		assert.Equal(t, "message", ev.Type)
		assert.Equal(t, f.ID, ev.Data.ID)
	default:
		t.Fatal("expected a published event for the first delivery")
	}

	// Duplicate delivery of the same id must not be stored twice or
	// re-published.
	o.handleMSG(ctx, f, "")
	select {
	case ev := <-events:
		t.Fatalf("unexpected duplicate publish: %+v", ev)
	default:
	}

	pending, err := o.store.PendingTransmissionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "exactly one rebroadcast should be queued despite two deliveries")
}

func TestHandleREQReenqueuesHeldMessage(t *testing.T) {
	o, ctx := testOrchestrator(t)

	msg, err := o.SendMessage(ctx, "general", "held message", 1, "", "")
	require.NoError(t, err)

	// Drain the transmission the send itself queued.
	_, err = o.store.GetNextTransmission(ctx)
	require.NoError(t, err)

	o.handleREQ(ctx, rfmp.REQ{From: "OTHER-2", MsgID: msg.ID}, "OTHER-2")

	row, err := o.store.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, rfmp.TypeMSG, row.FrameType)
}

func TestStatusReportsCallsignAndQueueDepth(t *testing.T) {
	o, ctx := testOrchestrator(t)

	_, err := o.SendMessage(ctx, "general", "hi", 1, "", "")
	require.NoError(t, err)

	status := o.Status(ctx)
	assert.Equal(t, "N0CALL-3", status.Callsign)
	assert.Equal(t, 1, status.PendingTX)
	assert.False(t, status.TNCConnected)
}

func TestSyncReconciliationQueuesREQ(t *testing.T) {
	o, ctx := testOrchestrator(t)

	msg, err := o.SendMessage(ctx, "general", "the peer lacks this", 1, "", "")
	require.NoError(t, err)

	// Drain the send's own transmission so only reconciliation output
	// remains.
	_, err = o.store.GetNextTransmission(ctx)
	require.NoError(t, err)

	// A SYNC whose filters are all empty: the peer holds nothing, so our
	// message is a negative hit.
	empty := make([]byte, 32)
	sync := rfmp.SYNC{From: "OTHER-5", Filters: [3][]byte{empty, empty, empty}, Window: 0}
	o.handleSYNC(ctx, sync, "OTHER-5")

	// REQs are queued with a retry delay of at least one second; peek
	// the table instead of dequeuing.
	pending, err := o.store.PendingTransmissionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "one REQ queued for the id the peer is missing")

	tracking, found, err := o.store.GetRequestTracking(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 30, tracking.BackoffSeconds)

	// A second identical SYNC straight away must not re-REQ: the
	// per-message backoff is in force.
	o.handleSYNC(ctx, sync, "OTHER-5")
	pending, err = o.store.PendingTransmissionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestArrivedMessageClearsRequestTracking(t *testing.T) {
	o, ctx := testOrchestrator(t)

	incoming, err := rfmp.NewMessage("OTHER-1", "", "general", 1, "", "finally here", time.Now())
	require.NoError(t, err)

	_, err = o.store.RecordRequestAttempt(ctx, incoming.ID, 30*time.Second, 600*time.Second)
	require.NoError(t, err)

	o.handleMSG(ctx, incoming.ToFrame(), "")

	tracking, found, err := o.store.GetRequestTracking(ctx, incoming.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, tracking.Success)
}

func TestHandleREQHonorsMissingIndices(t *testing.T) {
	o, ctx := testOrchestrator(t)

	msg, err := o.SendMessage(ctx, "general", strings.Repeat("y", 500), 1, "", "")
	require.NoError(t, err)

	// Drain everything the send queued (the full fragment train). Later
	// fragments carry a short spacing delay (at most 100 ms), so allow it
	// to lapse.
	time.Sleep(1200 * time.Millisecond)
	sent := 0
	for {
		row, err := o.store.GetNextTransmission(ctx)
		require.NoError(t, err)
		if row == nil {
			break
		}
		sent++
	}
	require.Greater(t, sent, 2, "a 500-byte body fragments")

	o.handleREQ(ctx, rfmp.REQ{From: "OTHER-2", MsgID: msg.ID, Missing: []int{1}}, "OTHER-2")
	time.Sleep(1200 * time.Millisecond)

	row, err := o.store.GetNextTransmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, rfmp.TypeFRAG, row.FrameType)
	frame, err := rfmp.Decode(row.SerializedFrame)
	require.NoError(t, err)
	frag, ok := frame.(rfmp.FRAG)
	require.True(t, ok)
	assert.Equal(t, 1, frag.Idx)

	row, err = o.store.GetNextTransmission(ctx)
	require.NoError(t, err)
	assert.Nil(t, row, "only the requested index is re-sent")
}
