package test

import "github.com/brocaar/chirpstack-api/go/v3/gw"

// GatewayBackend is a test gateway backend.
type GatewayBackend struct {
	UplinkFrameChan   chan gw.UplinkFrame
	DownlinkTXAckChan chan gw.DownlinkTXAck
	downlinkFrameChan chan gw.DownlinkFrame
}

// NewGatewayBackend returns a new GatewayBackend.
func NewGatewayBackend() *GatewayBackend {
	return &GatewayBackend{
		UplinkFrameChan:   make(chan gw.UplinkFrame, 100),
		DownlinkTXAckChan: make(chan gw.DownlinkTXAck, 100),
		downlinkFrameChan: make(chan gw.DownlinkFrame, 100),
	}
}

// SendUplinkFrame method.
func (b *GatewayBackend) SendUplinkFrame(uf gw.UplinkFrame) error {
	b.UplinkFrameChan <- uf
	return nil
}

// SendDownlinkTXAck method.
func (b *GatewayBackend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	b.DownlinkTXAckChan <- ack
	return nil
}

// DownlinkFrameChan method.
func (b *GatewayBackend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// Close method.
func (b *GatewayBackend) Close() error {
	if b.downlinkFrameChan != nil {
		close(b.downlinkFrameChan)
	}
	return nil
}
