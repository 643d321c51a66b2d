// Package fragment splits oversize RFMP messages into FRAG frames and
// reassembles them on receipt.
package fragment

import (
	"sync"
	"time"

	"github.com/rfmpd/rfmpd/internal/rfmp"
)

const fragOverhead = 50
const collectorTimeout = 5 * time.Minute

// Fragmenter holds in-flight reassembly state and the configured
// fragmentation threshold.
type Fragmenter struct {
	mu         sync.Mutex
	threshold  int
	collectors map[string]*collector
	now        func() time.Time
}

type collector struct {
	total     int
	parts     map[int][]byte
	firstSeen time.Time
}

// New returns a Fragmenter that splits messages whose encoded form
// exceeds threshold bytes.
func New(threshold int) *Fragmenter {
	return &Fragmenter{
		threshold:  threshold,
		collectors: make(map[string]*collector),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for deterministic tests.
func (fr *Fragmenter) SetClock(now func() time.Time) {
	fr.mu.Lock()
	fr.now = now
	fr.mu.Unlock()
}

// FragmentMessage splits msg into FRAGs if its encoded MSG form
// exceeds the configured threshold; returns nil if no fragmentation
// is needed.
func (fr *Fragmenter) FragmentMessage(msg rfmp.Message) ([]rfmp.FRAG, error) {
	encoded, err := rfmp.Encode(msg.ToFrame())
	if err != nil {
		return nil, err
	}
	if len(encoded) <= fr.threshold {
		return nil, nil
	}
	fragSize := fr.threshold - fragOverhead
	if fragSize < 1 {
		fragSize = 1
	}
	total := (len(encoded) + fragSize - 1) / fragSize
	frags := make([]rfmp.FRAG, 0, total)
	for i := 0; i < total; i++ {
		start := i * fragSize
		end := start + fragSize
		if end > len(encoded) {
			end = len(encoded)
		}
		frags = append(frags, rfmp.FRAG{
			MsgID: msg.ID,
			Idx:   i,
			Total: total,
			Data:  []byte(encoded[start:end]),
		})
	}
	return frags, nil
}

// AddFragment records a received fragment and attempts reassembly.
// isNew reports whether this (msgid, idx) pair hadn't been seen
// before; reassembled is non-nil only once all fragments for a
// message have arrived and decoded back to a MSG.
func (fr *Fragmenter) AddFragment(f rfmp.FRAG) (isNew bool, reassembled *rfmp.Message, err error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	c, ok := fr.collectors[f.MsgID]
	if !ok {
		c = &collector{total: f.Total, parts: make(map[int][]byte), firstSeen: fr.now()}
		fr.collectors[f.MsgID] = c
	}
	if _, seen := c.parts[f.Idx]; seen {
		return false, nil, nil
	}
	c.parts[f.Idx] = f.Data

	if len(c.parts) != c.total {
		return true, nil, nil
	}

	var buf []byte
	for i := 0; i < c.total; i++ {
		buf = append(buf, c.parts[i]...)
	}
	delete(fr.collectors, f.MsgID)

	frame, decErr := rfmp.Decode(string(buf))
	if decErr != nil {
		return true, nil, decErr
	}
	msgFrame, ok := frame.(rfmp.MSG)
	if !ok {
		return true, nil, nil
	}
	msg := rfmp.FromFrame(msgFrame, fr.now())
	return true, &msg, nil
}

// GetMissingFragments reports the unfilled indices for an in-flight
// message, or nil if there is no active collector for it.
func (fr *Fragmenter) GetMissingFragments(msgID string) []int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	c, ok := fr.collectors[msgID]
	if !ok {
		return nil
	}
	var missing []int
	for i := 0; i < c.total; i++ {
		if _, ok := c.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// InFlight returns the message ids with an active, incomplete
// collector.
func (fr *Fragmenter) InFlight() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]string, 0, len(fr.collectors))
	for id := range fr.collectors {
		out = append(out, id)
	}
	return out
}

// CleanupExpired drops collectors older than 5 minutes and returns
// the message ids that were dropped.
func (fr *Fragmenter) CleanupExpired() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	now := fr.now()
	var expired []string
	for id, c := range fr.collectors {
		if now.Sub(c.firstSeen) > collectorTimeout {
			expired = append(expired, id)
			delete(fr.collectors, id)
		}
	}
	return expired
}
