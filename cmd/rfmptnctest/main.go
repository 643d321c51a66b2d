// Command rfmptnctest exercises a KISS TNC link end-to-end: it connects
// to one or two TNCs over TCP, transmits a test RFMP MSG through the
// first, and prints every RFMP frame heard on each, so an operator can
// verify the daemon's radio path before putting rfmpd on it.
//
// With two TNCs on a shared medium (e.g. two Direwolf instances on a
// soundcard loopback), a frame sent on port 0 should appear decoded on
// port 1 within a few seconds.
//
// Usage:
//
//	rfmptnctest --tnc localhost:8001 [--tnc localhost:8002] [--send "test message"]
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rfmpd/rfmpd/internal/ax25"
	"github.com/rfmpd/rfmpd/internal/kiss"
	"github.com/rfmpd/rfmpd/internal/rfmp"
)

func main() {
	var (
		tncs     = pflag.StringArray("tnc", []string{"localhost:8001"}, "KISS TNC host:port. Repeat for a second TNC.")
		callsign = pflag.String("callsign", "N0CALL", "Source callsign for the test transmission.")
		channel  = pflag.String("channel", "test", "Channel for the test transmission.")
		body     = pflag.String("send", "", "Body of a test MSG to transmit via the first TNC. Empty means listen only.")
		duration = pflag.DurationP("duration", "d", 30*time.Second, "How long to listen before exiting.")
		help     = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Parse()
	if *help || len(*tncs) == 0 || len(*tncs) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: rfmptnctest --tnc host:port [--tnc host:port] [--send body]")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*tncs, *callsign, *channel, *body, *duration); err != nil {
		fmt.Fprintln(os.Stderr, "rfmptnctest:", err)
		os.Exit(1)
	}
}

func run(addrs []string, callsign, channel, body string, duration time.Duration) error {
	conns := make([]net.Conn, len(addrs))
	for i, addr := range addrs {
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", addr, err)
		}
		defer conn.Close()
		conns[i] = conn
		fmt.Printf("port %d: connected to %s\n", i, addr)
	}

	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for i, conn := range conns {
		go listen(i, conn, done)
	}

	if body != "" {
		msg, err := rfmp.NewMessage(strings.ToUpper(callsign), "", channel, 1, "", body, time.Now())
		if err != nil {
			return fmt.Errorf("building test message: %w", err)
		}
		if err := transmit(conns[0], msg); err != nil {
			return fmt.Errorf("transmitting on port 0: %w", err)
		}
		fmt.Printf("port 0: sent MSG id=%s chan=%s\n", msg.ID, msg.Channel)
	}

	select {
	case <-time.After(duration):
	case <-sig:
	}
	close(done)
	return nil
}

func transmit(conn net.Conn, msg rfmp.Message) error {
	encoded, err := rfmp.Encode(msg.ToFrame())
	if err != nil {
		return err
	}
	src, err := ax25.ParseAddress(msg.FromNode)
	if err != nil {
		return err
	}
	dst, err := ax25.ParseAddress("RFMP")
	if err != nil {
		return err
	}
	frame, err := ax25.EncodeUI(dst, src, nil, []byte(encoded))
	if err != nil {
		return err
	}
	_, err = conn.Write(kiss.Encode(0, kiss.CmdDataFrame, frame))
	return err
}

func listen(port int, conn net.Conn, done <-chan struct{}) {
	dec := kiss.NewDecoder()
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			fmt.Printf("port %d: read error: %v\n", port, err)
			return
		}
		dec.Feed(buf[:n])
		for {
			kf, ok := dec.Next()
			if !ok {
				break
			}
			if kf.Command != kiss.CmdDataFrame {
				continue
			}
			af, err := ax25.DecodeUI(kf.Payload)
			if err != nil {
				fmt.Printf("port %d: undecodable AX.25 frame (%v)\n", port, err)
				continue
			}
			report(port, af)
		}
	}
}

func report(port int, af ax25.Frame) {
	frame, err := rfmp.Decode(string(af.Info))
	if err != nil {
		fmt.Printf("port %d: %s>%s: non-RFMP info field (%d bytes)\n",
			port, af.Source, af.Destination, len(af.Info))
		return
	}
	switch f := frame.(type) {
	case rfmp.MSG:
		fmt.Printf("port %d: %s>%s: MSG id=%s chan=%s prio=%d body=%q\n",
			port, af.Source, af.Destination, f.ID, f.Channel, f.Prio, f.Body)
	case rfmp.FRAG:
		fmt.Printf("port %d: %s>%s: FRAG msgid=%s idx=%d/%d (%d bytes)\n",
			port, af.Source, af.Destination, f.MsgID, f.Idx, f.Total, len(f.Data))
	case rfmp.SYNC:
		fmt.Printf("port %d: %s>%s: SYNC from=%s win=%d\n",
			port, af.Source, af.Destination, f.From, f.Window)
	case rfmp.REQ:
		fmt.Printf("port %d: %s>%s: REQ from=%s msgid=%s missing=%v\n",
			port, af.Source, af.Destination, f.From, f.MsgID, f.Missing)
	}
}
