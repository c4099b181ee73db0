// Package gateway defines the virtual gateway through which the simulated
// device reaches the network.
package gateway

import "github.com/brocaar/chirpstack-api/go/v3/gw"

var backend Gateway

// Backend returns the gateway backend.
func Backend() Gateway {
	return backend
}

// SetBackend sets the given gateway backend.
func SetBackend(b Gateway) {
	backend = b
}

// Gateway is the interface of a gateway backend.
// The device publishes its uplinks through the backend (as if it was
// received by a gateway) and receives the downlink commands from it.
type Gateway interface {
	SendUplinkFrame(gw.UplinkFrame) error      // publish the given uplink frame event
	SendDownlinkTXAck(gw.DownlinkTXAck) error  // publish the given downlink tx acknowledgement
	DownlinkFrameChan() chan gw.DownlinkFrame // channel containing the received downlink commands
	Close() error                             // close the gateway backend.
}
