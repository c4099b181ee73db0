// Package frame implements the LoRaWAN frame codec used by the security
// engine. Uplinks are encoded using the brocaar/lorawan PHYPayload
// marshaler, downlinks are decoded into a flat structure whose options and
// payload slices alias the input buffer so that they can be decrypted in
// place.
package frame

import (
	"encoding/binary"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// MICSize defines the size of the MIC trailer.
const MICSize = 4

// MaxSize defines the max. size of a PHYPayload.
const MaxSize = 255

const (
	mhdrSize         = 1
	fhdrSize         = 7
	maxFOptsLen      = 15
	joinAcceptSize   = 17
	cfListSize       = 16
	minDataFrameSize = mhdrSize + fhdrSize + MICSize
)

// ErrInvalidFrame is returned when the given bytes do not represent a valid
// (downlink) frame.
var ErrInvalidFrame = errors.New("invalid frame")

// Data defines an uplink data frame.
type Data struct {
	Confirmed bool
	DevAddr   lorawan.DevAddr
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool

	// Counter holds the full uplink frame-counter, only the 16 LSB are
	// transmitted.
	Counter uint32

	// Opts holds the (plaintext) encoded mac-commands.
	Opts []byte

	// Port is nil when the frame does not carry a FRMPayload.
	Port *uint8
	Data []byte
}

// JoinRequest defines a join-request frame.
type JoinRequest struct {
	JoinEUI  lorawan.EUI64
	DevEUI   lorawan.EUI64
	DevNonce lorawan.DevNonce
}

// Offsets holds the position of the options and payload regions within an
// encoded data frame.
type Offsets struct {
	Opts    int
	OptsLen int
	Data    int
	DataLen int
}

// OptsRegion returns the options region of b.
func (o Offsets) OptsRegion(b []byte) []byte {
	return b[o.Opts : o.Opts+o.OptsLen]
}

// DataRegion returns the payload region of b.
func (o Offsets) DataRegion(b []byte) []byte {
	return b[o.Data : o.Data+o.DataLen]
}

// Down defines a decoded downlink frame.
type Down struct {
	MType lorawan.MType

	// data down
	DevAddr     lorawan.DevAddr
	ADR         bool
	ACK         bool
	FPending    bool
	Counter     uint16
	FullCounter uint32
	DataPresent bool
	Port        uint8
	Opts        []byte
	Data        []byte

	// join-accept
	JoinNonce   uint32
	NetID       lorawan.NetID
	JoinDevAddr lorawan.DevAddr
	DLSettings  lorawan.DLSettings
	RXDelay     uint8
	CFList      []byte

	MIC uint32
}

// IsJoinAccept returns true when the frame is a join-accept.
func (d Down) IsJoinAccept() bool {
	return d.MType == lorawan.JoinAccept
}

// ParsedCFList returns the decoded CFList or nil when the join-accept did
// not contain one.
func (d Down) ParsedCFList() (*lorawan.CFList, error) {
	if len(d.CFList) == 0 {
		return nil, nil
	}

	var cfList lorawan.CFList
	if err := cfList.UnmarshalBinary(d.CFList); err != nil {
		return nil, errors.Wrap(err, "unmarshal cflist error")
	}
	return &cfList, nil
}

// Codec implements the frame codec.
type Codec struct{}

// NewCodec returns a new Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// EncodeData encodes the given data frame. The MIC trailer is zeroed.
func (c *Codec) EncodeData(f Data) ([]byte, Offsets, error) {
	var offsets Offsets

	if len(f.Opts) > maxFOptsLen {
		return nil, offsets, errors.Errorf("max fopts length is %d bytes", maxFOptsLen)
	}

	mType := lorawan.UnconfirmedDataUp
	if f.Confirmed {
		mType = lorawan.ConfirmedDataUp
	}

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: f.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:       f.ADR,
				ADRACKReq: f.ADRACKReq,
				ACK:       f.ACK,
				ClassB:    f.ClassB,
			},
			FCnt: f.Counter & 0xffff,
		},
		FPort: f.Port,
	}
	if len(f.Opts) != 0 {
		macPL.FHDR.FOpts = []lorawan.Payload{
			&lorawan.DataPayload{Bytes: f.Opts},
		}
	}
	if len(f.Data) != 0 {
		macPL.FRMPayload = []lorawan.Payload{
			&lorawan.DataPayload{Bytes: f.Data},
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, offsets, errors.Wrap(err, "marshal phypayload error")
	}

	offsets.Opts = mhdrSize + fhdrSize
	offsets.OptsLen = len(f.Opts)
	if f.Port != nil {
		offsets.Data = offsets.Opts + offsets.OptsLen + 1
		offsets.DataLen = len(f.Data)
	} else {
		offsets.Data = offsets.Opts + offsets.OptsLen
	}

	if len(b) > MaxSize {
		return nil, offsets, errors.Errorf("max frame size is %d bytes", MaxSize)
	}

	if offsets.Data+offsets.DataLen+MICSize != len(b) {
		return nil, offsets, errors.New("unexpected encoded frame length")
	}

	return b, offsets, nil
}

// EncodeJoinRequest encodes the given join-request. The MIC trailer is
// zeroed.
func (c *Codec) EncodeJoinRequest(f JoinRequest) ([]byte, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  f.JoinEUI,
			DevEUI:   f.DevEUI,
			DevNonce: f.DevNonce,
		},
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal phypayload error")
	}
	return b, nil
}

// Decode decodes the given downlink frame. Join-accept fields are only
// meaningful after the join-accept has been decrypted.
func (c *Codec) Decode(b []byte) (Down, error) {
	var d Down

	if len(b) < mhdrSize+MICSize {
		return d, errors.Wrap(ErrInvalidFrame, "frame too short")
	}
	if len(b) > MaxSize {
		return d, errors.Wrap(ErrInvalidFrame, "frame too long")
	}

	if major := lorawan.Major(b[0] & 0x03); major != lorawan.LoRaWANR1 {
		return d, errors.Wrapf(ErrInvalidFrame, "unsupported major version: %d", major)
	}

	d.MType = lorawan.MType(b[0] >> 5)
	d.MIC = binary.LittleEndian.Uint32(b[len(b)-MICSize:])

	switch d.MType {
	case lorawan.JoinAccept:
		return d, decodeJoinAccept(&d, b)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		return d, decodeDataDown(&d, b)
	default:
		return d, errors.Wrapf(ErrInvalidFrame, "unexpected mtype: %s", d.MType)
	}
}

// UpdateMIC writes the given MIC into the last four bytes of b.
func (c *Codec) UpdateMIC(b []byte, mic uint32) {
	binary.LittleEndian.PutUint32(b[len(b)-MICSize:], mic)
}

// JoinAcceptSize returns the size of a join-accept frame.
func (c *Codec) JoinAcceptSize(cfList bool) int {
	if cfList {
		return joinAcceptSize + cfListSize
	}
	return joinAcceptSize
}

func decodeJoinAccept(d *Down, b []byte) error {
	if len(b) != joinAcceptSize && len(b) != joinAcceptSize+cfListSize {
		return errors.Wrapf(ErrInvalidFrame, "invalid join-accept length: %d", len(b))
	}

	d.JoinNonce = uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16
	for i := 0; i < len(d.NetID); i++ {
		d.NetID[len(d.NetID)-1-i] = b[4+i]
	}
	for i := 0; i < len(d.JoinDevAddr); i++ {
		d.JoinDevAddr[len(d.JoinDevAddr)-1-i] = b[7+i]
	}
	d.DLSettings = lorawan.DLSettings{
		OptNeg:      b[11]&0x80 != 0,
		RX1DROffset: (b[11] >> 4) & 0x07,
		RX2DataRate: b[11] & 0x0f,
	}
	d.RXDelay = b[12]

	if len(b) == joinAcceptSize+cfListSize {
		d.CFList = b[13 : 13+cfListSize]
	}

	return nil
}

func decodeDataDown(d *Down, b []byte) error {
	if len(b) < minDataFrameSize {
		return errors.Wrapf(ErrInvalidFrame, "data frame too short: %d", len(b))
	}

	for i := 0; i < len(d.DevAddr); i++ {
		d.DevAddr[len(d.DevAddr)-1-i] = b[1+i]
	}

	fCtrl := b[5]
	d.ADR = fCtrl&0x80 != 0
	d.ACK = fCtrl&0x20 != 0
	d.FPending = fCtrl&0x10 != 0
	optsLen := int(fCtrl & 0x0f)

	d.Counter = binary.LittleEndian.Uint16(b[6:8])

	pos := mhdrSize + fhdrSize
	end := len(b) - MICSize
	if pos+optsLen > end {
		return errors.Wrap(ErrInvalidFrame, "fopts exceed frame length")
	}
	d.Opts = b[pos : pos+optsLen]
	pos += optsLen

	if pos < end {
		d.DataPresent = true
		d.Port = b[pos]
		d.Data = b[pos+1 : end]

		if d.Port == 0 && optsLen != 0 {
			return errors.Wrap(ErrInvalidFrame, "fopts not allowed on fport 0")
		}
	}

	return nil
}
