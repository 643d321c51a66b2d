package orchestrator

import (
	"context"
	"time"

	"github.com/rfmpd/rfmpd/internal/bloom"
	"github.com/rfmpd/rfmpd/internal/rfmp"
	"github.com/rfmpd/rfmpd/internal/store"
)

const cleanupInterval = 5 * time.Minute

// syncLoop broadcasts a SYNC frame carrying the current
// rotating-Bloom digest every sync_interval seconds.
func (o *Orchestrator) syncLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Sync.SyncInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.emitSync(ctx)
		}
	}
}

func (o *Orchestrator) emitSync(ctx context.Context) {
	filters := o.bloomFilter.GetFilters()
	if len(filters) != 3 {
		o.logger.Warn("unexpected bloom window count, skipping sync", "count", len(filters))
		return
	}
	sync := rfmp.SYNC{
		From:    o.Identity(),
		Filters: [3][]byte{filters[0], filters[1], filters[2]},
		Window:  o.bloomFilter.CurrentWindowIndex() % 3,
	}
	encoded, err := rfmp.Encode(sync)
	if err != nil {
		o.logger.Error("encode sync failed", "err", err)
		return
	}
	delay := o.timer.SyncDelay()
	if _, err := o.store.QueueTransmission(ctx, rfmp.TypeSYNC, encoded, 2, delay); err != nil {
		o.logger.Error("queue_transmission (sync) failed", "err", err)
		return
	}
	o.logger.Debug("sync frame queued")
}

// cleanupLoop runs periodic housekeeping across the fragment
// collector, seen cache, fragment table, and rate
// limiter, plus reviving any transmission rows orphaned by a TNC
// failure mid-send.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCleanup(ctx)
		}
	}
}

func (o *Orchestrator) runCleanup(ctx context.Context) {
	if _, err := o.store.CleanupOldFragments(ctx, fragmentExpiry); err != nil {
		o.logger.Error("cleanup_old_fragments failed", "err", err)
	}
	if _, err := o.store.CleanupSeenCache(ctx, seenCacheExpiry); err != nil {
		o.logger.Error("cleanup_seen_cache failed", "err", err)
	}
	if expired := o.fragmenter.CleanupExpired(); len(expired) > 0 {
		o.logger.Debug("cleaned up fragment collectors", "count", len(expired))
	}
	o.limiter.CleanupOldRecords(rateLimitRecordExpiry)
	if _, err := o.store.ReviveStuckTransmissions(ctx, stuckTransmissionAge); err != nil {
		o.logger.Error("revive_stuck_transmissions failed", "err", err)
	}
}

const (
	fragmentExpiry        = time.Hour
	seenCacheExpiry       = time.Hour
	rateLimitRecordExpiry = 24 * time.Hour
	stuckTransmissionAge  = 2 * time.Minute
)

// transmissionLoop pulls the next eligible queued frame and hands it
// to the TNC connector, stamping transmitted_at for MSG frames on
// success.
func (o *Orchestrator) transmissionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		row, err := o.store.GetNextTransmission(ctx)
		if err != nil {
			o.logger.Error("get_next_transmission failed", "err", err)
			sleep(ctx, time.Second)
			continue
		}
		if row == nil {
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		o.transmit(ctx, row)
	}
}

func (o *Orchestrator) transmit(ctx context.Context, row *store.TransmissionRow) {
	frame, err := rfmp.Decode(row.SerializedFrame)
	if err != nil {
		o.logger.Error("decode queued frame failed", "id", row.ID, "err", err)
		_ = o.store.MarkTransmissionFailed(ctx, row.ID)
		return
	}

	if err := o.tnc.SendFrame("RFMP", []byte(row.SerializedFrame)); err != nil {
		// I/O failure: leave the row in "transmitting" for the cleanup
		// loop's janitor to revive once the connection is back, rather
		// than dropping the frame.
		o.logger.Error("tnc send failed", "id", row.ID, "err", err)
		sleep(ctx, time.Second)
		return
	}

	if err := o.store.MarkTransmissionSent(ctx, row.ID); err != nil {
		o.logger.Error("mark_transmission_sent failed", "id", row.ID, "err", err)
	}
	if msg, ok := frame.(rfmp.MSG); ok {
		if err := o.store.MarkTransmitted(ctx, msg.ID, time.Now().UTC()); err != nil {
			o.logger.Debug("mark_transmitted failed", "id", msg.ID, "err", err)
		}
	}
	o.logger.Debug("frame transmitted", "type", row.FrameType)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// reconcileScanLimit bounds how many locally-held ids one SYNC
// triggers a reconciliation scan over.
const reconcileScanLimit = 200

// reconcile scans locally-held message ids against the remote's
// three Bloom windows and REQs anything the remote appears to be
// missing, subject
// to the rate limiter's global and per-message limits.
func (o *Orchestrator) reconcile(ctx context.Context, f rfmp.SYNC, fromNode string) {
	recent, err := o.store.GetRecentMessages(ctx, reconcileScanLimit, store.MessageFilter{})
	if err != nil {
		o.logger.Debug("reconcile: get_recent_messages failed", "err", err)
		return
	}
	if !o.limiter.CanSendReq("") {
		return
	}

	for _, msg := range recent {
		if bloom.RemoteContains(f.Filters[:], o.cfg.Sync.BloomHashes, []byte(msg.ID)) {
			continue
		}
		o.maybeRequest(ctx, msg.ID, fromNode, nil)
	}

	// Partially-received messages: if the peer's filters show it holds a
	// message we have an incomplete collector for, ask it for exactly
	// the fragments still missing.
	for _, msgID := range o.fragmenter.InFlight() {
		if !bloom.RemoteContains(f.Filters[:], o.cfg.Sync.BloomHashes, []byte(msgID)) {
			continue
		}
		if missing := o.fragmenter.GetMissingFragments(msgID); len(missing) > 0 {
			o.maybeRequest(ctx, msgID, fromNode, missing)
		}
	}
}

// maybeRequest issues a rate-limited REQ for messageID if the local
// per-message backoff (persisted in request_tracking) allows it.
// missing, when non-empty, limits the request to those fragment
// indices.
func (o *Orchestrator) maybeRequest(ctx context.Context, messageID, fromNode string, missing []int) {
	tracking, found, err := o.store.GetRequestTracking(ctx, messageID)
	if err != nil {
		o.logger.Debug("get_request_tracking failed", "id", messageID, "err", err)
		return
	}
	if found {
		if tracking.Success || tracking.RetryCount >= o.cfg.RateLimit.MaxRetries {
			return
		}
		backoff := time.Duration(tracking.BackoffSeconds) * time.Second
		if time.Since(tracking.LastRequest) < backoff {
			return
		}
	}
	if !o.limiter.CanSendReq(messageID) {
		return
	}

	req := rfmp.REQ{From: o.Identity(), MsgID: messageID, Missing: missing}
	encoded, err := rfmp.Encode(req)
	if err != nil {
		o.logger.Error("encode req failed", "id", messageID, "err", err)
		return
	}
	retryCount := 0
	if found {
		retryCount = tracking.RetryCount + 1
	}
	delay := o.timer.ReqRetryDelay(retryCount)
	if _, err := o.store.QueueTransmission(ctx, rfmp.TypeREQ, encoded, 3, delay); err != nil {
		o.logger.Error("queue_transmission (req) failed", "id", messageID, "err", err)
		return
	}

	o.limiter.RecordReq(messageID)
	if _, err := o.store.RecordRequestAttempt(ctx, messageID,
		time.Duration(o.cfg.RateLimit.InitialBackoff)*time.Second,
		time.Duration(o.cfg.RateLimit.MaxBackoff)*time.Second,
	); err != nil {
		o.logger.Debug("record_request_attempt failed", "id", messageID, "err", err)
	}
	o.logger.Debug("req queued", "id", messageID, "from_peer", fromNode)
}
