// Package session holds the end-device session state and the downlink
// frame-counter reconstruction.
package session

// DeriveCounter returns the full 32 bit frame-counter given the last known
// full counter and the 16 LSB transmitted on the wire. When the wire value
// is less than the 16 LSB of the last known counter, a roll-over is assumed
// and the epoch (16 MSB) is incremented.
//
// This does not validate that the counter has increased, this is left to
// the caller once the MIC has been validated.
func DeriveCounter(last uint32, fCnt uint16) uint32 {
	epoch := last >> 16

	if fCnt < uint16(last) {
		epoch++
	}

	return epoch<<16 | uint32(fCnt)
}

// usesNwkDown returns true when the network downlink counter applies to the
// given FPort.
func (s Session) usesNwkDown(fPort uint8) bool {
	return s.Version == LoRaWAN1_1 && fPort == 0
}

// LastDownCounter returns the last downlink counter for the given FPort.
func (s Session) LastDownCounter(fPort uint8) uint32 {
	if s.usesNwkDown(fPort) {
		return s.NwkDown
	}
	return s.AppDown
}

// DeriveDownCounter returns the reconstructed 32 bit downlink counter for
// the given FPort and wire counter.
func (s Session) DeriveDownCounter(fPort uint8, fCnt uint16) uint32 {
	return DeriveCounter(s.LastDownCounter(fPort), fCnt)
}

// SyncDownCounter commits the reconstructed downlink counter to the
// session. It must only be called after the downlink has been
// authenticated.
func (s *Session) SyncDownCounter(fPort uint8, fCnt uint16) {
	derived := s.DeriveDownCounter(fPort, fCnt)

	if s.usesNwkDown(fPort) {
		s.NwkDown = derived
	} else {
		s.AppDown = derived
	}
}
