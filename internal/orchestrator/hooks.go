package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rfmpd/rfmpd/internal/ax25"
	"github.com/rfmpd/rfmpd/internal/store"
)

// The methods in this file back the upstream request/response
// surface. The HTTP/WebSocket layer itself lives outside the core; it
// calls these hooks.

// Messages lists recent messages, newest received first, optionally
// filtered by channel and/or originating node.
func (o *Orchestrator) Messages(ctx context.Context, limit int, channel, fromNode string) ([]ClientMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	msgs, err := o.store.GetRecentMessages(ctx, limit, store.MessageFilter{Channel: channel, FromNode: fromNode})
	if err != nil {
		return nil, err
	}
	out := make([]ClientMessage, len(msgs))
	for i, m := range msgs {
		out[i] = clientMessage(m)
	}
	return out, nil
}

// Message fetches a single message by id.
func (o *Orchestrator) Message(ctx context.Context, id string) (ClientMessage, bool, error) {
	m, ok, err := o.store.GetMessage(ctx, id)
	if err != nil || !ok {
		return ClientMessage{}, ok, err
	}
	return clientMessage(m), true, nil
}

// ActiveNodes lists nodes heard within the trailing window.
func (o *Orchestrator) ActiveNodes(ctx context.Context, window time.Duration) ([]store.Node, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return o.store.GetActiveNodes(ctx, window)
}

// Channels lists all known channels.
func (o *Orchestrator) Channels(ctx context.Context) ([]store.Channel, error) {
	return o.store.GetChannels(ctx)
}

// Identity returns the node's current on-air identity, e.g. "N0CALL-3".
func (o *Orchestrator) Identity() string {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	if o.ssid == 0 {
		return o.callsign
	}
	return fmt.Sprintf("%s-%d", o.callsign, o.ssid)
}

// SetIdentity changes the node's callsign and SSID at runtime, the
// "set local callsign+SSID" operation of the upstream surface. The new
// identity applies to subsequently built frames; already-queued frames
// keep the identity they were built with.
func (o *Orchestrator) SetIdentity(callsign string, ssid int) error {
	addr, err := ax25.ParseAddress(callsign)
	if err != nil {
		return err
	}
	if addr.SSID != 0 {
		// Callers pass the SSID separately; a "CALL-n" string would
		// make the two disagree.
		return fmt.Errorf("%w: callsign %q must not embed an ssid", ax25.ErrInvalidCallsign, callsign)
	}
	if ssid < 0 || ssid > 15 {
		return fmt.Errorf("%w: ssid %d out of range", ax25.ErrInvalidCallsign, ssid)
	}

	o.idMu.Lock()
	o.callsign = addr.Callsign
	o.ssid = ssid
	o.idMu.Unlock()

	o.tnc.SetIdentity(addr.Callsign, ssid)
	o.logger.Info("node identity changed", "callsign", o.Identity())
	return nil
}

// MissingFragments reports the unreceived fragment indices for an
// in-flight reassembly, for a REQ's `missing` field.
func (o *Orchestrator) MissingFragments(msgID string) []int {
	return o.fragmenter.GetMissingFragments(msgID)
}
