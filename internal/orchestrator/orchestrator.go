// Package orchestrator wires the protocol, timing, rate-limiting,
// and storage packages into the daemon's long-lived behavior: frame
// ingest, message origination, and the periodic sync/cleanup/transmit
// loops.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rfmpd/rfmpd/internal/bloom"
	"github.com/rfmpd/rfmpd/internal/config"
	"github.com/rfmpd/rfmpd/internal/fragment"
	"github.com/rfmpd/rfmpd/internal/ratelimit"
	"github.com/rfmpd/rfmpd/internal/rfmp"
	"github.com/rfmpd/rfmpd/internal/store"
	"github.com/rfmpd/rfmpd/internal/timing"
	"github.com/rfmpd/rfmpd/internal/tnc"
)

// Event is pushed to subscribers on every accepted message.
type Event struct {
	Type string        `json:"type"`
	Data ClientMessage `json:"data"`
}

// ClientMessage is a stored message rendered for an upstream client.
type ClientMessage struct {
	ID            string `json:"id"`
	FromNode      string `json:"from_node"`
	Author        string `json:"author,omitempty"`
	Timestamp     string `json:"timestamp"`
	Channel       string `json:"channel"`
	Priority      int    `json:"priority"`
	ReplyTo       string `json:"reply_to,omitempty"`
	Body          string `json:"body"`
	ReceivedAt    string `json:"received_at,omitempty"`
	TransmittedAt string `json:"transmitted_at,omitempty"`
}

func clientMessage(m rfmp.Message) ClientMessage {
	c := ClientMessage{
		ID:        m.ID,
		FromNode:  m.FromNode,
		Author:    m.Author,
		Timestamp: m.Timestamp,
		Channel:   m.Channel,
		Priority:  m.Priority,
		ReplyTo:   m.ReplyTo,
		Body:      m.Body,
	}
	if !m.ReceivedAt.IsZero() {
		c.ReceivedAt = m.ReceivedAt.UTC().Format(time.RFC3339)
	}
	if !m.TransmittedAt.IsZero() {
		c.TransmittedAt = m.TransmittedAt.UTC().Format(time.RFC3339)
	}
	return c
}

// Status summarizes daemon health for the upstream status surface.
type Status struct {
	Callsign         string
	TNCConnected     bool
	PendingTX        int
	BloomFillRate    float64
	UptimeSeconds    float64
	ActiveSubscriber int
}

// Orchestrator owns the rotating Bloom filter, the rate limiter, and
// the subscriber set, and drives ingest, send, and the background
// loops. Lifecycle is tied to Start/Stop; there are no package-level
// globals.
type Orchestrator struct {
	cfg    config.Config
	store  *store.Store
	tnc    *tnc.Connector
	logger *log.Logger

	bloomFilter *bloom.Rotating
	fragmenter  *fragment.Fragmenter
	timer       *timing.Adaptive
	limiter     *ratelimit.Limiter

	startTime time.Time

	idMu     sync.Mutex
	callsign string
	ssid     int

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSubID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator, restoring the rotating Bloom filter's
// windows from the store if a prior run persisted one.
func New(ctx context.Context, cfg config.Config, st *store.Store, connector *tnc.Connector, logger *log.Logger) (*Orchestrator, error) {
	now := time.Now()
	windowDuration := time.Duration(cfg.Sync.WindowDuration) * time.Second

	saved, err := st.LoadBloomWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading bloom windows: %w", err)
	}
	var states []bloom.WindowState
	for _, w := range saved {
		states = append(states, bloom.WindowState{Index: w.Index, Start: w.StartTime, Data: w.Data})
	}
	var rotating *bloom.Rotating
	if len(states) > 0 {
		rotating = bloom.NewRotatingFromSnapshot(states, windowDuration, uint32(cfg.Sync.BloomBits), cfg.Sync.BloomHashes, now)
	} else {
		rotating = bloom.NewRotating(cfg.Sync.WindowCount, windowDuration, uint32(cfg.Sync.BloomBits), cfg.Sync.BloomHashes, now)
	}

	o := &Orchestrator{
		cfg:         cfg,
		store:       st,
		tnc:         connector,
		logger:      logger.With("component", "orchestrator"),
		bloomFilter: rotating,
		fragmenter:  fragment.New(cfg.Protocol.FragmentThreshold),
		timer: timing.New(timing.Config{
			BaseDelay:    durationFromSeconds(cfg.Timing.BaseDelay),
			Jitter:       durationFromSeconds(cfg.Timing.Jitter),
			PriorityStep: durationFromSeconds(cfg.Timing.PriorityStep),
		}),
		limiter: ratelimit.New(ratelimit.Config{
			MaxReqPerMin:   cfg.RateLimit.MaxReqPerMin,
			InitialBackoff: time.Duration(cfg.RateLimit.InitialBackoff) * time.Second,
			MaxBackoff:     time.Duration(cfg.RateLimit.MaxBackoff) * time.Second,
			MaxRetries:     cfg.RateLimit.MaxRetries,
		}),
		subs:     make(map[int]chan Event),
		callsign: cfg.Node.Callsign,
		ssid:     cfg.Node.SSID,
	}

	// Rehydrate the in-memory limiter from the request_tracking table so
	// a restart doesn't forget an in-flight backoff and immediately
	// re-REQ.
	tracked, err := st.LoadRequestTracking(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading request tracking: %w", err)
	}
	for _, r := range tracked {
		o.limiter.Restore(r.MessageID, r.FirstRequest, r.LastRequest, r.RetryCount+1,
			time.Duration(r.BackoffSeconds)*time.Second)
	}

	connector.OnFrame = o.handleFrame
	connector.OnConnected = func() {
		o.logger.Info("tnc connected")
		// Frames orphaned mid-send by the last disconnect can go out now.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := st.ReviveStuckTransmissions(rctx, 0); err == nil && n > 0 {
			o.logger.Info("revived stuck transmissions", "count", n)
		}
	}
	connector.OnDisconnected = func() { o.logger.Warn("tnc disconnected") }
	return o, nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Start launches the TNC connector and the three background loops
// (sync, cleanup, transmission).
// Idempotent: calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startTime = time.Now()

	o.wg.Add(4)
	go func() { defer o.wg.Done(); o.tnc.Run(runCtx) }()
	go func() { defer o.wg.Done(); o.syncLoop(runCtx) }()
	go func() { defer o.wg.Done(); o.cleanupLoop(runCtx) }()
	go func() { defer o.wg.Done(); o.transmissionLoop(runCtx) }()

	o.logger.Info("orchestrator started", "callsign", o.Identity())
}

// Stop cancels every background task and waits for them to exit, then
// persists the rotating Bloom filter so the next Start resumes gossip
// continuity. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.cancel = nil

	snapshot := o.bloomFilter.Snapshot()
	windows := make([]store.BloomWindow, len(snapshot))
	for i, s := range snapshot {
		windows[i] = store.BloomWindow{Index: s.Index, StartTime: s.Start, Data: s.Data}
	}
	if err := o.store.SaveBloomWindows(ctx, windows); err != nil {
		o.logger.Error("failed to persist bloom windows", "err", err)
	}
	o.logger.Info("orchestrator stopped")
}

// Status reports the daemon's current health for the upstream status
// surface.
func (o *Orchestrator) Status(ctx context.Context) Status {
	pending, err := o.store.PendingTransmissionCount(ctx)
	if err != nil {
		o.logger.Warn("failed to read pending transmission count", "err", err)
	}
	o.subMu.Lock()
	subCount := len(o.subs)
	o.subMu.Unlock()
	return Status{
		Callsign:         o.Identity(),
		TNCConnected:     o.tnc.IsConnected(),
		PendingTX:        pending,
		BloomFillRate:    o.bloomFillRate(),
		UptimeSeconds:    time.Since(o.startTime).Seconds(),
		ActiveSubscriber: subCount,
	}
}

func (o *Orchestrator) bloomFillRate() float64 {
	filters := o.bloomFilter.GetFilters()
	if len(filters) == 0 {
		return 0
	}
	f := bloom.FromBytes(filters[len(filters)-1], o.cfg.Sync.BloomHashes)
	return f.FillRate()
}

// Subscribe registers a new subscriber and returns its event channel
// and an id to pass to Unsubscribe. The channel is buffered so a slow
// reader doesn't stall ingest; a subscriber whose channel is full when
// an event is published is removed and its channel closed, rather than
// blocking the orchestrator.
func (o *Orchestrator) Subscribe() (id int, ch <-chan Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.nextSubID++
	id = o.nextSubID
	c := make(chan Event, 32)
	o.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscriber and closes its channel.
func (o *Orchestrator) Unsubscribe(id int) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if c, ok := o.subs[id]; ok {
		close(c)
		delete(o.subs, id)
	}
}

// publish pushes ev to every subscriber, best-effort; a subscriber
// whose channel is full is dropped rather than allowed to stall
// ingest.
func (o *Orchestrator) publish(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, c := range o.subs {
		select {
		case c <- ev:
		default:
			close(c)
			delete(o.subs, id)
		}
	}
}
