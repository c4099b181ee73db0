package block

import (
	"github.com/brocaar/lorawan"
)

// The put* helpers write the given value at the start of b using the
// little-endian byte order of the LoRaWAN wire format and return the number
// of bytes written.

func putU8(b []byte, v uint8) int {
	b[0] = v
	return 1
}

func putU16(b []byte, v uint16) int {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	return 2
}

func putU24(b []byte, v uint32) int {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	return 3
}

func putU32(b []byte, v uint32) int {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
	return 4
}

// putEUI writes the EUI in reversed (LSB first) order. lorawan.EUI64 holds
// the EUI MSB first.
func putEUI(b []byte, v lorawan.EUI64) int {
	for i := range v {
		b[i] = v[len(v)-1-i]
	}
	return len(v)
}

func putDevAddr(b []byte, v lorawan.DevAddr) int {
	for i := range v {
		b[i] = v[len(v)-1-i]
	}
	return len(v)
}

func putNetID(b []byte, v lorawan.NetID) int {
	for i := range v {
		b[i] = v[len(v)-1-i]
	}
	return len(v)
}
