// Package block builds the 16 byte input blocks consumed by the secure
// module: the A blocks used for payload encryption, the B0 / B1 blocks
// used for MIC computation and the key-derivation IVs.
package block

import (
	"github.com/brocaar/lorawan"
)

// Size defines the size of a block.
const Size = 16

// JoinAcceptMICHeaderSize defines the size of the join-accept MIC context
// (JoinReqType | JoinEUI | DevNonce).
const JoinAcceptMICHeaderSize = 11

// Block defines a single AES block.
type Block [Size]byte

// Direction defines the frame direction.
type Direction uint8

// Available directions.
const (
	Uplink Direction = iota
	Downlink
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Downlink {
		return "downlink"
	}
	return "uplink"
}

// Key-derivation discriminators (first byte of the key-derivation IV).
const (
	KeyFNwkSInt uint8 = 0x01 // also NwkSKey for LoRaWAN 1.0
	KeyAppS     uint8 = 0x02
	KeySNwkSInt uint8 = 0x03
	KeyNwkSEnc  uint8 = 0x04
	KeyJSEnc    uint8 = 0x05
	KeyJSInt    uint8 = 0x06
)

// Join types embedded in the join-accept MIC context.
const (
	JoinTypeJoin    uint8 = 0xff
	JoinTypeRejoin2 uint8 = 0x02
)

// NewA returns the A block used for counter-mode encryption.
//
// c is the 4 byte free counter (0, or 1 / 2 for LoRaWAN 1.1 errata FOpts
// encryption), i the block index (0 for FOpts, 1 for FRMPayload).
func NewA(c uint32, dir Direction, devAddr lorawan.DevAddr, counter uint32, i uint8) Block {
	var b Block
	pos := 0

	pos += putU8(b[pos:], 0x01)
	pos += putU32(b[pos:], c)
	pos += putU8(b[pos:], uint8(dir))
	pos += putDevAddr(b[pos:], devAddr)
	pos += putU32(b[pos:], counter)
	pos += putU8(b[pos:], 0x00)
	putU8(b[pos:], i)

	return b
}

// NewB returns the B0 / B1 block used for MIC computation.
//
// confCnt is 0 unless this is a LoRaWAN 1.1 acknowledgement, length is the
// number of authenticated bytes (frame length without MIC).
func NewB(confCnt uint16, rate, chIndex uint8, dir Direction, devAddr lorawan.DevAddr, counter uint32, length uint8) Block {
	var b Block
	pos := 0

	pos += putU8(b[pos:], 0x49)
	pos += putU16(b[pos:], confCnt)
	pos += putU8(b[pos:], rate)
	pos += putU8(b[pos:], chIndex)
	pos += putU8(b[pos:], uint8(dir))
	pos += putDevAddr(b[pos:], devAddr)
	pos += putU32(b[pos:], counter)
	pos += putU8(b[pos:], 0x00)
	putU8(b[pos:], length)

	return b
}

// NewSessionKeyIV returns the LoRaWAN 1.0 session-key derivation IV:
// disc | JoinNonce | NetID | DevNonce | pad.
func NewSessionKeyIV(disc uint8, joinNonce uint32, netID lorawan.NetID, devNonce lorawan.DevNonce) Block {
	var b Block
	pos := 0

	pos += putU8(b[pos:], disc)
	pos += putU24(b[pos:], joinNonce)
	pos += putNetID(b[pos:], netID)
	putU16(b[pos:], uint16(devNonce))

	return b
}

// NewSessionKeyIV11 returns the LoRaWAN 1.1 session-key derivation IV:
// disc | JoinNonce | JoinEUI | DevNonce | pad.
func NewSessionKeyIV11(disc uint8, joinNonce uint32, joinEUI lorawan.EUI64, devNonce lorawan.DevNonce) Block {
	var b Block
	pos := 0

	pos += putU8(b[pos:], disc)
	pos += putU24(b[pos:], joinNonce)
	pos += putEUI(b[pos:], joinEUI)
	putU16(b[pos:], uint16(devNonce))

	return b
}

// NewJoinKeyIV returns the join-key (JSEncKey / JSIntKey) derivation IV:
// disc | DevEUI | pad.
func NewJoinKeyIV(disc uint8, devEUI lorawan.EUI64) Block {
	var b Block

	putU8(b[:], disc)
	putEUI(b[1:], devEUI)

	return b
}

// NewJoinAcceptMICHeader returns the context prepended to a LoRaWAN 1.1
// join-accept when computing its MIC: JoinReqType | JoinEUI | DevNonce.
func NewJoinAcceptMICHeader(joinType uint8, joinEUI lorawan.EUI64, devNonce lorawan.DevNonce) []byte {
	b := make([]byte, JoinAcceptMICHeaderSize)
	pos := 0

	pos += putU8(b[pos:], joinType)
	pos += putEUI(b[pos:], joinEUI)
	putU16(b[pos:], uint16(devNonce))

	return b
}
