// Package ax25 implements the subset of AX.25 needed for RFMP: encoding
// and decoding UI (Unnumbered Information) frames with shifted-ASCII
// callsign addresses.
package ax25

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	controlUI byte = 0x03
	pidNoL3   byte = 0xF0

	addrLen = 7
)

var (
	ErrShortFrame      = errors.New("ax25: frame too short for addresses")
	ErrNoEndBit        = errors.New("ax25: no address end-bit found")
	ErrNotUI           = errors.New("ax25: control/pid do not identify a UI frame")
	ErrInvalidCallsign = errors.New("ax25: invalid callsign")
)

// Address is a station callsign plus SSID, the unit RFMPD treats as a
// "node" identity on the air.
type Address struct {
	Callsign string
	SSID     int
}

// String renders the address as CALL-SSID, omitting -0.
func (a Address) String() string {
	if a.SSID == 0 {
		return a.Callsign
	}
	return fmt.Sprintf("%s-%d", a.Callsign, a.SSID)
}

// ParseAddress parses a "CALL" or "CALL-SSID" string.
func ParseAddress(s string) (Address, error) {
	call, ssidStr, hasDash := strings.Cut(s, "-")
	call = strings.ToUpper(call)
	ssid := 0
	if hasDash {
		n, err := strconv.Atoi(ssidStr)
		if err != nil || n < 0 || n > 15 {
			return Address{}, fmt.Errorf("%w: bad ssid in %q", ErrInvalidCallsign, s)
		}
		ssid = n
	}
	if err := validateCallsign(call); err != nil {
		return Address{}, err
	}
	return Address{Callsign: call, SSID: ssid}, nil
}

func validateCallsign(call string) error {
	if len(call) < 1 || len(call) > 6 {
		return fmt.Errorf("%w: %q must be 1-6 characters", ErrInvalidCallsign, call)
	}
	for _, r := range call {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return fmt.Errorf("%w: %q must be alphanumeric", ErrInvalidCallsign, call)
		}
	}
	return nil
}

// encodeAddress writes the 7-byte shifted-ASCII address field. endBit
// marks the final address in the chain.
func encodeAddress(a Address, endBit bool) ([addrLen]byte, error) {
	var out [addrLen]byte
	if err := validateCallsign(a.Callsign); err != nil {
		return out, err
	}
	if a.SSID < 0 || a.SSID > 15 {
		return out, fmt.Errorf("%w: ssid %d out of range", ErrInvalidCallsign, a.SSID)
	}
	padded := a.Callsign
	for len(padded) < 6 {
		padded += " "
	}
	for i := 0; i < 6; i++ {
		out[i] = padded[i] << 1
	}
	end := byte(0)
	if endBit {
		end = 1
	}
	out[6] = 0b01100000 | byte(a.SSID<<1) | end
	return out, nil
}

func decodeAddress(b []byte) (addr Address, endBit bool, err error) {
	if len(b) < addrLen {
		return Address{}, false, ErrShortFrame
	}
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		c := b[i] >> 1
		sb.WriteByte(c)
	}
	call := strings.TrimRight(sb.String(), " ")
	ssid := int(b[6]>>1) & 0x0F
	endBit = b[6]&0x01 != 0
	if err := validateCallsign(call); err != nil {
		return Address{}, false, err
	}
	return Address{Callsign: call, SSID: ssid}, endBit, nil
}

// Frame is a decoded AX.25 UI frame: destination, source, any
// digipeater addresses, and the info field payload.
type Frame struct {
	Destination Address
	Source      Address
	Digipeaters []Address
	Info        []byte
}

// EncodeUI builds a UI frame (control=0x03, pid=0xF0) carrying info as
// the information field.
func EncodeUI(dest, src Address, digis []Address, info []byte) ([]byte, error) {
	addrs := append([]Address{dest, src}, digis...)
	out := make([]byte, 0, addrLen*len(addrs)+2+len(info))
	for i, a := range addrs {
		enc, err := encodeAddress(a, i == len(addrs)-1)
		if err != nil {
			return nil, err
		}
		out = append(out, enc[:]...)
	}
	out = append(out, controlUI, pidNoL3)
	out = append(out, info...)
	return out, nil
}

// DecodeUI walks the address chain, validates control/pid, and returns
// the remainder as the info field. Only control=0x03, pid=0xF0 frames
// are accepted; anything else is rejected as not a UI frame RFMPD
// understands.
func DecodeUI(raw []byte) (Frame, error) {
	var addrs []Address
	pos := 0
	for {
		if pos+addrLen > len(raw) {
			return Frame{}, ErrShortFrame
		}
		a, end, err := decodeAddress(raw[pos : pos+addrLen])
		if err != nil {
			return Frame{}, err
		}
		addrs = append(addrs, a)
		pos += addrLen
		if end {
			break
		}
		if len(addrs) > 10 {
			return Frame{}, ErrNoEndBit
		}
	}
	if pos+2 > len(raw) {
		return Frame{}, ErrShortFrame
	}
	control, pid := raw[pos], raw[pos+1]
	if control != controlUI || pid != pidNoL3 {
		return Frame{}, ErrNotUI
	}
	if len(addrs) < 2 {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Destination: addrs[0],
		Source:      addrs[1],
		Digipeaters: addrs[2:],
		Info:        raw[pos+2:],
	}, nil
}
