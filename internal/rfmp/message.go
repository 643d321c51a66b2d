package rfmp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
)

const timestampLayout = "%Y%m%dT%H%M%SZ"

// FormatTimestamp renders t in RFMP's wire timestamp form,
// YYYYMMDDTHHMMSSZ, in UTC.
func FormatTimestamp(t time.Time) string {
	s, err := strftime.Format(timestampLayout, t.UTC())
	if err != nil {
		// timestampLayout is a fixed, known-valid format string.
		panic(fmt.Sprintf("rfmp: invalid timestamp layout: %v", err))
	}
	return s
}

// ParseTimestamp parses an RFMP wire timestamp back into a UTC time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation("20060102T150405Z", s, time.UTC)
}

// GenerateMessageID computes the 12-hex-char message identity: the
// first 12 hex characters of SHA-256 over sender||timestamp||body.
// sender is the application-level author when one was supplied, else
// the originating node's callsign — this is a pure function of its
// three string arguments.
func GenerateMessageID(sender, timestamp, body string) string {
	sum := sha256.Sum256([]byte(sender + timestamp + body))
	return hex.EncodeToString(sum[:])[:12]
}

// Message is the application-level representation of an RFMP MSG,
// independent of its on-air fragmentation.
type Message struct {
	ID               string
	FromNode         string
	Author           string // optional nickname; "" if none
	Timestamp        string
	Channel          string
	Priority         int
	ReplyTo          string // "" means none
	Body             string
	ReceivedAt       time.Time
	TransmittedAt    time.Time // zero value means unset
	RebroadcastCount int
	RawFrame         string
}

// sender returns the identity-bearing sender used for message-id
// generation: the author if present, else the originating node.
func (m Message) sender() string {
	if m.Author != "" {
		return m.Author
	}
	return m.FromNode
}

// NewMessage builds a Message with a freshly computed id and
// timestamp, validating its fields against the protocol's rules.
func NewMessage(fromNode, author, channel string, priority int, replyTo, body string, now time.Time) (Message, error) {
	if err := ValidateChannel(channel); err != nil {
		return Message{}, err
	}
	if err := ValidatePriority(priority); err != nil {
		return Message{}, err
	}
	if len(body) < 1 || len(body) > 1000 {
		return Message{}, fmt.Errorf("%w: body length %d out of range 1-1000", ErrValidation, len(body))
	}
	ts := FormatTimestamp(now)
	m := Message{
		FromNode:  fromNode,
		Author:    author,
		Timestamp: ts,
		Channel:   channel,
		Priority:  priority,
		ReplyTo:   replyTo,
		Body:      body,
	}
	m.ID = GenerateMessageID(m.sender(), ts, body)
	return m, nil
}

// NeedsFragmentation reports whether the message's encoded wire form
// exceeds threshold bytes.
func (m Message) NeedsFragmentation(threshold int) (bool, int, error) {
	enc, err := Encode(m.ToFrame())
	if err != nil {
		return false, 0, err
	}
	return len(enc) > threshold, len(enc), nil
}

// ToFrame converts the Message into its wire MSG representation.
func (m Message) ToFrame() MSG {
	reply := m.ReplyTo
	if reply == "" {
		reply = "-"
	}
	return MSG{
		ID:      m.ID,
		From:    m.FromNode,
		Time:    m.Timestamp,
		Channel: m.Channel,
		Prio:    m.Priority,
		ReplyTo: reply,
		Body:    m.Body,
	}
}

// FromFrame builds a Message from a decoded wire MSG, stamping
// ReceivedAt as now.
func FromFrame(f MSG, now time.Time) Message {
	reply := f.ReplyTo
	if reply == "-" {
		reply = ""
	}
	return Message{
		ID:         f.ID,
		FromNode:   f.From,
		Timestamp:  f.Time,
		Channel:    f.Channel,
		Priority:   f.Prio,
		ReplyTo:    reply,
		Body:       f.Body,
		ReceivedAt: now,
	}
}
