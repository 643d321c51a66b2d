package orchestrator

import (
	"context"
	"time"

	"github.com/rfmpd/rfmpd/internal/ax25"
	"github.com/rfmpd/rfmpd/internal/rfmp"
	"github.com/rfmpd/rfmpd/internal/store"
)

// handleFrame is the TNC connector's on-frame callback: decode the
// RFMP payload and dispatch by type.
func (o *Orchestrator) handleFrame(frame ax25.Frame) {
	f, err := rfmp.Decode(string(frame.Info))
	if err != nil {
		o.logger.Debug("failed to decode rfmp frame", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch v := f.(type) {
	case rfmp.MSG:
		o.handleMSG(ctx, v, string(frame.Info))
	case rfmp.FRAG:
		o.handleFRAG(ctx, v)
	case rfmp.SYNC:
		o.handleSYNC(ctx, v, frame.Source.String())
	case rfmp.REQ:
		o.handleREQ(ctx, v, frame.Source.String())
	}
}

// handleMSG processes an inbound MSG: dedupe, persist, add to
// Bloom, publish, and schedule exactly one rebroadcast per id.
// raw, when non-empty, is the exact received wire string; it is
// persisted and rebroadcast verbatim so relayed frames stay
// byte-identical on air. Empty raw (the reassembly path) re-encodes.
func (o *Orchestrator) handleMSG(ctx context.Context, f rfmp.MSG, raw string) {
	isNew, err := o.store.MarkSeenIfNew(ctx, f.ID, nil)
	if err != nil {
		o.logger.Error("mark_seen_if_new failed", "id", f.ID, "err", err)
		return
	}
	if !isNew {
		o.logger.Debug("duplicate message", "id", f.ID)
		return
	}

	msg := rfmp.FromFrame(f, time.Now().UTC())
	encoded := raw
	if encoded == "" {
		if enc, err := rfmp.Encode(f); err == nil {
			encoded = enc
		}
	}
	msg.RawFrame = encoded
	inserted, err := o.store.SaveMessage(ctx, msg)
	if err != nil {
		o.logger.Error("save_message failed", "id", f.ID, "err", err)
		return
	}
	if !inserted {
		return
	}

	o.logger.Info("new message received", "id", f.ID, "from", f.From, "channel", f.Channel)
	o.bloomFilter.Add([]byte(f.ID))
	// If this id was under REQ backoff, its arrival is the success that
	// clears the tracker.
	o.limiter.MarkSuccess(f.ID)
	if err := o.store.MarkRequestSuccess(ctx, f.ID); err != nil {
		o.logger.Debug("mark_request_success failed", "id", f.ID, "err", err)
	}
	if err := o.store.UpdateUserStats(ctx, msg.Author); err != nil {
		o.logger.Debug("update_user_stats failed", "err", err)
	}
	o.publish(Event{Type: "message", Data: clientMessage(msg)})

	flagged, err := o.store.IsFlaggedForRebroadcast(ctx, f.ID)
	if err != nil {
		o.logger.Debug("is_flagged_for_rebroadcast failed", "id", f.ID, "err", err)
		return
	}
	if flagged || encoded == "" {
		return
	}
	delay := o.timer.RebroadcastDelay(f.Prio)
	if _, err := o.store.QueueTransmission(ctx, rfmp.TypeMSG, encoded, f.Prio, delay); err != nil {
		o.logger.Error("queue rebroadcast failed", "id", f.ID, "err", err)
		return
	}
	if err := o.store.FlagRebroadcast(ctx, f.ID); err != nil {
		o.logger.Debug("flag_rebroadcast failed", "id", f.ID, "err", err)
	}
	if err := o.store.IncrementRebroadcastCount(ctx, f.ID); err != nil {
		o.logger.Debug("increment_rebroadcast_count failed", "id", f.ID, "err", err)
	}
}

// handleFRAG processes an inbound FRAG: dedupe by (msgid, idx),
// persist, feed the fragmenter, and on reassembly
// completion re-enter the MSG handler with the reassembled message.
func (o *Orchestrator) handleFRAG(ctx context.Context, f rfmp.FRAG) {
	idx := f.Idx
	isNew, err := o.store.MarkSeenIfNew(ctx, f.MsgID, &idx)
	if err != nil {
		o.logger.Error("mark_seen_if_new (fragment) failed", "id", f.MsgID, "idx", f.Idx, "err", err)
		return
	}
	if !isNew {
		o.logger.Debug("duplicate fragment", "id", f.MsgID, "idx", f.Idx)
		return
	}

	if _, err := o.store.SaveFragment(ctx, store.Fragment{
		MessageID: f.MsgID, Idx: f.Idx, Total: f.Total, Payload: f.Data,
	}); err != nil {
		o.logger.Error("save_fragment failed", "id", f.MsgID, "err", err)
	}

	_, reassembled, err := o.fragmenter.AddFragment(f)
	if err != nil {
		o.logger.Debug("fragment reassembly failed", "id", f.MsgID, "err", err)
		return
	}
	if reassembled != nil {
		o.handleMSG(ctx, reassembled.ToFrame(), "")
	}
}

// handleSYNC processes an inbound SYNC digest: update the sender's
// node stats, then scan locally-held ids against the remote's
// advertised Bloom windows and rate-limited-REQ anything missing.
func (o *Orchestrator) handleSYNC(ctx context.Context, f rfmp.SYNC, fromNode string) {
	o.logger.Debug("sync received", "from", fromNode, "window", f.Window)
	if err := o.store.UpdateNodeStats(ctx, fromNode, store.ActivitySync); err != nil {
		o.logger.Debug("update_node_stats (sync) failed", "err", err)
	}
	o.reconcile(ctx, f, fromNode)
}

// handleREQ processes an inbound REQ: update sender stats and, if
// the requested message is held locally, reconstruct and
// re-enqueue it (fragmented if needed) with fresh timing delays.
func (o *Orchestrator) handleREQ(ctx context.Context, f rfmp.REQ, fromNode string) {
	o.logger.Debug("req received", "from", fromNode, "id", f.MsgID)
	if err := o.store.UpdateNodeStats(ctx, fromNode, store.ActivityReq); err != nil {
		o.logger.Debug("update_node_stats (req) failed", "err", err)
	}

	msg, ok, err := o.store.GetMessage(ctx, f.MsgID)
	if err != nil {
		o.logger.Error("get_message failed", "id", f.MsgID, "err", err)
		return
	}
	if !ok {
		return
	}
	o.enqueueOutgoing(ctx, msg, f.Missing)
}

// enqueueOutgoing fragments msg if its encoded form exceeds the
// configured threshold and queues the resulting frame(s) with their
// computed delays, the shared tail of send-message and REQ fulfillment.
// onlyIdx, when non-empty, restricts a fragmented send to those
// fragment indices (a REQ's `missing` field).
func (o *Orchestrator) enqueueOutgoing(ctx context.Context, msg rfmp.Message, onlyIdx []int) {
	wire := msg
	if msg.Author != "" {
		// The transmitted `from` carries the session nickname; the
		// stored record keeps the originating node.
		wire.FromNode = msg.Author
	}

	frags, err := o.fragmenter.FragmentMessage(wire)
	if err != nil {
		o.logger.Error("fragment_message failed", "id", msg.ID, "err", err)
		return
	}
	if len(frags) == 0 {
		encoded, err := rfmp.Encode(wire.ToFrame())
		if err != nil {
			o.logger.Error("encode msg failed", "id", msg.ID, "err", err)
			return
		}
		delay := o.timer.MessageDelay(msg.Priority)
		if _, err := o.store.QueueTransmission(ctx, rfmp.TypeMSG, encoded, msg.Priority, delay); err != nil {
			o.logger.Error("queue_transmission (msg) failed", "id", msg.ID, "err", err)
		}
		return
	}
	wanted := make(map[int]bool, len(onlyIdx))
	for _, idx := range onlyIdx {
		wanted[idx] = true
	}
	for i, frag := range frags {
		if len(wanted) > 0 && !wanted[frag.Idx] {
			continue
		}
		encoded, err := rfmp.Encode(frag)
		if err != nil {
			o.logger.Error("encode frag failed", "id", msg.ID, "idx", i, "err", err)
			continue
		}
		delay := o.timer.FragmentDelay(i)
		if _, err := o.store.QueueTransmission(ctx, rfmp.TypeFRAG, encoded, msg.Priority, delay); err != nil {
			o.logger.Error("queue_transmission (frag) failed", "id", msg.ID, "idx", i, "err", err)
		}
	}
}
