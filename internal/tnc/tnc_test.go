package tnc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func testConnector(cfg Config) *Connector {
	return New(cfg, log.New(io.Discard))
}

func TestOfflineSendIsNoOp(t *testing.T) {
	c := testConnector(Config{Offline: true, Callsign: "N0CALL"})
	assert.NoError(t, c.SendFrame("RFMP", []byte("MSG|id=deadbeef0123")))
	assert.True(t, c.IsOffline())
	assert.False(t, c.IsConnected())
}

func TestOfflineRunReturnsImmediately(t *testing.T) {
	c := testConnector(Config{Offline: true})
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately in offline mode")
	}
}

func TestDisconnectedSendErrors(t *testing.T) {
	c := testConnector(Config{Callsign: "N0CALL"})
	assert.Error(t, c.SendFrame("RFMP", []byte("x")))
}

func TestSourceCallsignIncludesSSID(t *testing.T) {
	c := testConnector(Config{Callsign: "N0CALL", SSID: 3})
	assert.Equal(t, "N0CALL-3", c.sourceCallsign())

	c.SetIdentity("W1AW", 0)
	assert.Equal(t, "W1AW", c.sourceCallsign())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

func TestDefaultReconnectInterval(t *testing.T) {
	c := testConnector(Config{})
	assert.Equal(t, 5*time.Second, c.cfg.ReconnectInterval)
}
