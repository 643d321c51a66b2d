// Package tnc manages the TCP connection to a KISS-speaking TNC (a
// Direwolf soundmodem or hardware equivalent), turning its byte stream
// into decoded AX.25 frames and back.
package tnc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/rfmpd/rfmpd/internal/ax25"
	"github.com/rfmpd/rfmpd/internal/kiss"
)

// State is the connector's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config configures a Connector.
type Config struct {
	Host              string
	Port              int
	ReconnectInterval time.Duration
	Offline           bool
	Callsign          string
	SSID              int
}

// Connector owns the TCP socket to the TNC and the reconnect loop
// that keeps it alive.
type Connector struct {
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	conn  net.Conn
	state State

	// OnFrame is invoked for every successfully decoded inbound AX.25 UI
	// frame carrying RFMP's control/pid pair. Never called concurrently
	// with itself.
	OnFrame func(ax25.Frame)
	// OnConnected and OnDisconnected fire on each transition, letting the
	// orchestrator flush queued SYNC/transmission work or pause sends.
	OnConnected    func()
	OnDisconnected func()
}

// New builds a Connector. Call Run to start it.
func New(cfg Config, logger *log.Logger) *Connector {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &Connector{cfg: cfg, logger: logger, state: StateDisconnected}
}

// IsConnected reports the connector's current live state.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// IsOffline reports whether the connector was configured for offline
// mode, as distinct from merely being disconnected at the moment.
func (c *Connector) IsOffline() bool {
	return c.cfg.Offline
}

// Run drives the reconnect loop until ctx is cancelled. In offline
// mode it returns immediately without touching the network.
func (c *Connector) Run(ctx context.Context) {
	if c.cfg.Offline {
		c.logger.Info("running in offline mode, no TNC connection")
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.IsConnected() {
			if err := c.connect(ctx); err != nil {
				c.logger.Error("tnc connect failed", "addr", c.addr(), "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.ReconnectInterval):
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			c.disconnect()
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *Connector) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

func (c *Connector) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	applySocketOptions(conn, c.logger)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected to TNC", "addr", c.addr())
	go c.receiveLoop(ctx, conn)
	if c.OnConnected != nil {
		go c.OnConnected()
	}
	return nil
}

// applySocketOptions sets SO_REUSEADDR on the dialed TCP socket so a
// fast restart can rebind immediately after an unclean close.
func applySocketOptions(conn net.Conn, logger *log.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		logger.Debug("tnc socket control unavailable", "err", err)
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil {
		logger.Debug("tnc setsockopt failed", "err", ctrlErr)
	}
}

func (c *Connector) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		c.logger.Info("disconnected from TNC")
		if c.OnDisconnected != nil {
			go c.OnDisconnected()
		}
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// receiveLoop reads from conn until it errors or closes, feeding the
// KISS decoder and dispatching decoded RFMP-bearing AX.25 UI frames.
func (c *Connector) receiveLoop(ctx context.Context, conn net.Conn) {
	dec := kiss.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("tnc connection closed", "err", err)
			}
			c.disconnect()
			return
		}
		dec.Feed(buf[:n])
		for {
			frame, ok := dec.Next()
			if !ok {
				break
			}
			if frame.Command != kiss.CmdDataFrame {
				continue
			}
			ax, err := ax25.DecodeUI(frame.Payload)
			if err != nil {
				c.logger.Debug("failed to decode ax25 frame", "err", err)
				continue
			}
			if c.OnFrame != nil {
				c.OnFrame(ax)
			}
		}
	}
}

// SendFrame wraps data in an AX.25 UI frame addressed to destination
// (the RFMP broadcast alias by convention), KISS-encodes it, and writes
// it to the TNC. A no-op in offline mode; while disconnected it writes
// nothing and returns an error.
func (c *Connector) SendFrame(destination string, data []byte) error {
	if c.cfg.Offline {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("tnc: not connected")
	}

	src, err := ax25.ParseAddress(c.sourceCallsign())
	if err != nil {
		return fmt.Errorf("tnc: invalid source callsign: %w", err)
	}
	dst, err := ax25.ParseAddress(destination)
	if err != nil {
		return fmt.Errorf("tnc: invalid destination callsign: %w", err)
	}
	ax25Frame, err := ax25.EncodeUI(dst, src, nil, data)
	if err != nil {
		return fmt.Errorf("tnc: encode ui frame: %w", err)
	}
	kissData := kiss.Encode(0, kiss.CmdDataFrame, ax25Frame)

	if _, err := conn.Write(kissData); err != nil {
		c.logger.Error("tnc write failed", "err", err)
		c.disconnect()
		return err
	}
	return nil
}

func (c *Connector) sourceCallsign() string {
	c.mu.Lock()
	call, ssid := c.cfg.Callsign, c.cfg.SSID
	c.mu.Unlock()
	if ssid > 0 {
		return fmt.Sprintf("%s-%d", call, ssid)
	}
	return call
}

// SetIdentity changes the source address used for subsequent outgoing
// frames.
func (c *Connector) SetIdentity(callsign string, ssid int) {
	c.mu.Lock()
	c.cfg.Callsign = callsign
	c.cfg.SSID = ssid
	c.mu.Unlock()
}
