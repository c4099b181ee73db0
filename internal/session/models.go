package session

import (
	"fmt"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// ErrDoesNotExist is returned by session stores when no session exists for
// the given DevEUI.
var ErrDoesNotExist = errors.New("session does not exist")

// MACVersion defines the negotiated LoRaWAN version of a session.
type MACVersion int

// Supported versions.
const (
	LoRaWAN1_0 MACVersion = iota
	LoRaWAN1_1
)

// String implements fmt.Stringer.
func (v MACVersion) String() string {
	switch v {
	case LoRaWAN1_0:
		return "1.0"
	case LoRaWAN1_1:
		return "1.1"
	default:
		return fmt.Sprintf("MACVersion(%d)", int(v))
	}
}

// ParseMACVersion parses "1.0.x" / "1.1.x" style version strings.
func ParseMACVersion(s string) (MACVersion, error) {
	switch {
	case len(s) >= 3 && s[:3] == "1.0":
		return LoRaWAN1_0, nil
	case len(s) >= 3 && s[:3] == "1.1":
		return LoRaWAN1_1, nil
	default:
		return 0, fmt.Errorf("unsupported mac version: %s", s)
	}
}

// Session contains the persisted state of an (activated) end-device.
type Session struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64

	DevAddr   lorawan.DevAddr
	NetID     lorawan.NetID
	JoinNonce uint32
	DevNonce  lorawan.DevNonce

	// NextJoinNonce holds the lowest join nonce that will be accepted on
	// the next join-accept. It is set to the accepted join nonce + 1 after
	// each join.
	NextJoinNonce uint32

	// NwkDown and AppDown hold the last authenticated downlink counter for
	// the network (FPort 0, LoRaWAN 1.1 only) and application counter.
	// The upper 16 bits are the locally tracked counter epoch.
	NwkDown uint32
	AppDown uint32

	// Up holds the next uplink frame counter.
	Up uint32

	Version MACVersion
	Joined  bool
}

// ResetCounters resets the frame counters, e.g. after a (re)join.
func (s *Session) ResetCounters() {
	s.Up = 0
	s.NwkDown = 0
	s.AppDown = 0
}
