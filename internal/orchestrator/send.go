package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rfmpd/rfmpd/internal/rfmp"
)

// SendMessage originates a new message from this node: build a
// Message, persist it, add it to the Bloom filter, and enqueue it
// (fragmented if needed) for transmission. author, when non-empty,
// becomes both the stored display name and the transmitted `from`
// field, and is the sender the message id is hashed from; the stored
// from_node stays the daemon's own callsign identity.
func (o *Orchestrator) SendMessage(ctx context.Context, channel, body string, priority int, replyTo, author string) (rfmp.Message, error) {
	fromNode := o.Identity()
	msg, err := rfmp.NewMessage(fromNode, author, channel, priority, replyTo, body, time.Now())
	if err != nil {
		return rfmp.Message{}, fmt.Errorf("orchestrator: send_message: %w", err)
	}
	msg.ReceivedAt = time.Now().UTC()

	wireFrame := msg.ToFrame()
	if author != "" {
		wireFrame.From = author
	}
	encoded, err := rfmp.Encode(wireFrame)
	if err != nil {
		return rfmp.Message{}, fmt.Errorf("orchestrator: send_message encode: %w", err)
	}
	msg.RawFrame = encoded

	if _, err := o.store.SaveMessage(ctx, msg); err != nil {
		return rfmp.Message{}, fmt.Errorf("orchestrator: send_message persist: %w", err)
	}
	o.bloomFilter.Add([]byte(msg.ID))
	if err := o.store.UpdateUserStats(ctx, author); err != nil {
		o.logger.Debug("update_user_stats failed", "err", err)
	}

	o.enqueueOutgoing(ctx, msg, nil)
	o.logger.Info("message queued for transmission", "id", msg.ID, "channel", channel)
	o.publish(Event{Type: "message", Data: clientMessage(msg)})

	return msg, nil
}
