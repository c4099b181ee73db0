package security

import (
	"crypto/aes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/keys"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
	"github.com/brocaar/chirpstack-device-stack/internal/sm/software"
	"github.com/brocaar/chirpstack-device-stack/internal/test"
)

var (
	nwkKey      = lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	appSKey     = lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	fNwkSIntKey = lorawan.AES128Key{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
	sNwkSIntKey = lorawan.AES128Key{4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4}
	nwkSEncKey  = lorawan.AES128Key{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	jsEncKey    = lorawan.AES128Key{6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6}
	jsIntKey    = lorawan.AES128Key{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7}
)

func fPort(p uint8) *uint8 {
	return &p
}

type EngineTestSuite struct {
	suite.Suite

	sm     *software.Module
	engine *Engine

	session10 session.Session
	session11 session.Session
}

func (ts *EngineTestSuite) SetupTest() {
	ts.sm = software.New(nil)
	ts.sm.SetKey(sm.Nwk, nwkKey)
	ts.sm.SetKey(sm.AppS, appSKey)
	ts.sm.SetKey(sm.FNwkSInt, fNwkSIntKey)
	ts.sm.SetKey(sm.SNwkSInt, sNwkSIntKey)
	ts.sm.SetKey(sm.NwkSEnc, nwkSEncKey)
	ts.sm.SetKey(sm.JSEnc, jsEncKey)
	ts.sm.SetKey(sm.JSInt, jsIntKey)

	ts.engine = New(ts.sm, frame.NewCodec(), DefaultConfig())

	ts.session10 = session.Session{
		DevEUI:  lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
		JoinEUI: lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
		DevAddr: lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
		Version: session.LoRaWAN1_0,
		Up:      11,
	}
	ts.session11 = ts.session10
	ts.session11.Version = session.LoRaWAN1_1
}

// downlink returns a data downlink, secured using the lorawan package.
func (ts *EngineTestSuite) downlink(mType lorawan.MType, devAddr lorawan.DevAddr, fCnt uint32, ack bool, port *uint8, data []byte, encKey, micKey lorawan.AES128Key, macVersion lorawan.MACVersion, confFCnt uint32) []byte {
	assert := require.New(ts.T())

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: devAddr,
			FCtrl: lorawan.FCtrl{
				ACK: ack,
			},
			FCnt: fCnt,
		},
		FPort: port,
	}
	if len(data) != 0 {
		macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: append([]byte{}, data...)}}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}
	if port != nil {
		assert.NoError(phy.EncryptFRMPayload(encKey))
	}
	assert.NoError(phy.SetDownlinkDataMIC(macVersion, confFCnt, micKey))

	b, err := phy.MarshalBinary()
	assert.NoError(err)
	return b
}

// joinAccept returns a join-accept, secured using the lorawan package.
func (ts *EngineTestSuite) joinAccept(joinNonce uint32, optNeg, cfList bool, joinType lorawan.JoinType, encKey, micKey lorawan.AES128Key) []byte {
	assert := require.New(ts.T())

	jaPL := lorawan.JoinAcceptPayload{
		JoinNonce: lorawan.JoinNonce(joinNonce),
		HomeNetID: lorawan.NetID{0x01, 0x02, 0x03},
		DevAddr:   lorawan.DevAddr{0x05, 0x06, 0x07, 0x08},
		DLSettings: lorawan.DLSettings{
			OptNeg:      optNeg,
			RX2DataRate: 3,
			RX1DROffset: 1,
		},
		RXDelay: 2,
	}
	if cfList {
		jaPL.CFList = &lorawan.CFList{
			CFListType: lorawan.CFListChannel,
			Payload: &lorawan.CFListChannelPayload{
				Channels: [5]uint32{867100000, 867300000, 867500000, 867700000, 867900000},
			},
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &jaPL,
	}

	assert.NoError(phy.SetDownlinkJoinMIC(joinType, ts.session11.JoinEUI, ts.session11.DevNonce, micKey))
	assert.NoError(phy.EncryptJoinAcceptPayload(encKey))

	b, err := phy.MarshalBinary()
	assert.NoError(err)
	return b
}

// uplink decodes and validates the given uplink using the lorawan package
// and returns the decrypted FRMPayload.
func (ts *EngineTestSuite) uplink(b []byte, macVersion lorawan.MACVersion, tx TXParams, fNwkSIntKey, sNwkSIntKey, encKey lorawan.AES128Key) (bool, []byte) {
	assert := require.New(ts.T())

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(b))

	ok, err := phy.ValidateUplinkDataMIC(macVersion, 0, tx.DataRate, tx.Channel, fNwkSIntKey, sNwkSIntKey)
	assert.NoError(err)
	if !ok {
		return false, nil
	}

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	assert.True(ok)
	if len(macPL.FRMPayload) == 0 {
		return true, nil
	}

	pl, ok := macPL.FRMPayload[0].(*lorawan.DataPayload)
	assert.True(ok)

	data, err := lorawan.EncryptFRMPayload(encKey, true, macPL.FHDR.DevAddr, macPL.FHDR.FCnt, pl.Bytes)
	assert.NoError(err)
	return true, data
}

func (ts *EngineTestSuite) TestPrepareData() {
	tests := []struct {
		name       string
		session    session.Session
		frame      frame.Data
		tx         TXParams
		macVersion lorawan.MACVersion
		fKey       lorawan.AES128Key
		sKey       lorawan.AES128Key
		encKey     lorawan.AES128Key
	}{
		{
			name:    "LoRaWAN 1.0 application payload",
			session: ts.session10,
			frame: frame.Data{
				Counter: 5,
				Port:    fPort(1),
				Data:    []byte{1, 2, 3},
			},
			macVersion: lorawan.LoRaWAN1_0,
			fKey:       fNwkSIntKey,
			sKey:       fNwkSIntKey,
			encKey:     appSKey,
		},
		{
			name:    "LoRaWAN 1.0 mac-command payload",
			session: ts.session10,
			frame: frame.Data{
				Confirmed: true,
				Counter:   6,
				Port:      fPort(0),
				Data:      []byte{0x02},
			},
			macVersion: lorawan.LoRaWAN1_0,
			fKey:       fNwkSIntKey,
			sKey:       fNwkSIntKey,
			encKey:     fNwkSIntKey,
		},
		{
			name:    "LoRaWAN 1.1 application payload",
			session: ts.session11,
			frame: frame.Data{
				Counter: 7,
				ADR:     true,
				Port:    fPort(10),
				Data:    []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17},
			},
			tx:         TXParams{DataRate: 5, Channel: 2},
			macVersion: lorawan.LoRaWAN1_1,
			fKey:       fNwkSIntKey,
			sKey:       sNwkSIntKey,
			encKey:     appSKey,
		},
		{
			name:    "LoRaWAN 1.1 mac-command payload",
			session: ts.session11,
			frame: frame.Data{
				Counter: 8,
				Port:    fPort(0),
				Data:    []byte{0x02, 0x03},
			},
			tx:         TXParams{DataRate: 3, Channel: 1},
			macVersion: lorawan.LoRaWAN1_1,
			fKey:       fNwkSIntKey,
			sKey:       sNwkSIntKey,
			encKey:     nwkSEncKey,
		},
		{
			name:    "LoRaWAN 1.1 empty frame",
			session: ts.session11,
			frame: frame.Data{
				Counter: 9,
			},
			tx:         TXParams{DataRate: 1, Channel: 7},
			macVersion: lorawan.LoRaWAN1_1,
			fKey:       fNwkSIntKey,
			sKey:       sNwkSIntKey,
			encKey:     appSKey,
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			b, err := ts.engine.PrepareData(tst.session, tst.frame, tst.tx)
			assert.NoError(err)

			ok, pl := ts.uplink(b, tst.macVersion, tst.tx, tst.fKey, tst.sKey, tst.encKey)
			assert.True(ok)
			assert.Equal(tst.frame.Data, pl)

			// the devaddr is taken from the session
			var phy lorawan.PHYPayload
			assert.NoError(phy.UnmarshalBinary(b))
			assert.Equal(tst.session.DevAddr, phy.MACPayload.(*lorawan.MACPayload).FHDR.DevAddr)
		})
	}
}

func (ts *EngineTestSuite) TestSetDataMIC() {
	ts.T().Run("retransmission on a different channel", func(t *testing.T) {
		assert := require.New(t)
		f := frame.Data{Counter: 3, Port: fPort(1), Data: []byte{1, 2, 3}}

		b, err := ts.engine.EncryptData(ts.session11, f)
		assert.NoError(err)

		tx1 := TXParams{DataRate: 5, Channel: 0}
		assert.NoError(ts.engine.SetDataMIC(ts.session11, b, f.Counter, tx1))
		mic1 := append([]byte{}, b[len(b)-4:]...)
		ok, _ := ts.uplink(append([]byte{}, b...), lorawan.LoRaWAN1_1, tx1, fNwkSIntKey, sNwkSIntKey, appSKey)
		assert.True(ok)

		tx2 := TXParams{DataRate: 5, Channel: 1}
		assert.NoError(ts.engine.SetDataMIC(ts.session11, b, f.Counter, tx2))
		ok, pl := ts.uplink(append([]byte{}, b...), lorawan.LoRaWAN1_1, tx2, fNwkSIntKey, sNwkSIntKey, appSKey)
		assert.True(ok)
		assert.Equal(f.Data, pl)

		// only the SNwkSIntKey half changes
		assert.NotEqual(mic1[0:2], b[len(b)-4:len(b)-2])
		assert.Equal(mic1[2:4], b[len(b)-2:])
	})

	ts.T().Run("LoRaWAN 1.0 ignores the tx params", func(t *testing.T) {
		assert := require.New(t)
		f := frame.Data{Counter: 3, Port: fPort(1), Data: []byte{1, 2, 3}}

		b1, err := ts.engine.PrepareData(ts.session10, f, TXParams{DataRate: 1, Channel: 1})
		assert.NoError(err)
		b2, err := ts.engine.PrepareData(ts.session10, f, TXParams{DataRate: 2, Channel: 2})
		assert.NoError(err)
		assert.Equal(b1, b2)
	})

	ts.T().Run("any modified byte invalidates the mic", func(t *testing.T) {
		assert := require.New(t)
		f := frame.Data{Counter: 3, Port: fPort(1), Data: []byte{1, 2, 3}}

		b, err := ts.engine.PrepareData(ts.session11, f, TXParams{})
		assert.NoError(err)

		for i := 0; i < len(b)-4; i++ {
			bb := append([]byte{}, b...)
			bb[i] ^= 0x01

			var phy lorawan.PHYPayload
			if err := phy.UnmarshalBinary(bb); err != nil {
				continue
			}
			ok, err := phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_1, 0, 0, 0, fNwkSIntKey, sNwkSIntKey)
			if err != nil {
				continue
			}
			assert.False(ok, "byte %d", i)
		}
	})

	ts.T().Run("invalid size", func(t *testing.T) {
		assert := require.New(t)
		assert.Error(ts.engine.SetDataMIC(ts.session11, []byte{1, 2}, 0, TXParams{}))
	})
}

func (ts *EngineTestSuite) TestFOptsEncryption() {
	opts := []byte{0x02, 0x03, 0x04}

	tests := []struct {
		name     string
		errata   bool
		upBlock  block.Block
		dataDown bool
		dnBlock  block.Block
	}{
		{
			name:     "no errata",
			upBlock:  block.NewA(0, block.Uplink, ts.session11.DevAddr, 12, 0),
			dataDown: true,
			dnBlock:  block.NewA(0, block.Downlink, ts.session11.DevAddr, 12, 0),
		},
		{
			name:     "errata with payload",
			errata:   true,
			upBlock:  block.NewA(1, block.Uplink, ts.session11.DevAddr, 12, 1),
			dataDown: true,
			dnBlock:  block.NewA(2, block.Downlink, ts.session11.DevAddr, 12, 0),
		},
		{
			name:    "errata without payload",
			errata:  true,
			upBlock: block.NewA(1, block.Uplink, ts.session11.DevAddr, 12, 1),
			dnBlock: block.NewA(1, block.Downlink, ts.session11.DevAddr, 12, 0),
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)
			conf := DefaultConfig()
			conf.FOptsErrata = tst.errata
			engine := New(ts.sm, frame.NewCodec(), conf)

			// uplink
			b, err := engine.PrepareData(ts.session11, frame.Data{Counter: 12, Opts: opts}, TXParams{})
			assert.NoError(err)
			enc := append([]byte{}, b[8:8+len(opts)]...)
			assert.NotEqual(opts, enc)
			assert.NoError(ts.sm.CTR(sm.NwkSEnc, tst.upBlock, enc))
			assert.Equal(opts, enc)

			// downlink
			encOpts := append([]byte{}, opts...)
			assert.NoError(ts.sm.CTR(sm.NwkSEnc, tst.dnBlock, encOpts))

			macPL := lorawan.MACPayload{
				FHDR: lorawan.FHDR{
					DevAddr: ts.session11.DevAddr,
					FCnt:    12,
					FOpts:   []lorawan.Payload{&lorawan.DataPayload{Bytes: encOpts}},
				},
			}
			if tst.dataDown {
				macPL.FPort = fPort(1)
				macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{1, 2, 3}}}
			}
			phy := lorawan.PHYPayload{
				MHDR: lorawan.MHDR{
					MType: lorawan.UnconfirmedDataDown,
					Major: lorawan.LoRaWANR1,
				},
				MACPayload: &macPL,
			}
			if tst.dataDown {
				assert.NoError(phy.EncryptFRMPayload(appSKey))
			}
			assert.NoError(phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_1, 0, sNwkSIntKey))
			down, err := phy.MarshalBinary()
			assert.NoError(err)

			d, err := engine.ReceiveFrame(ts.session11, OpDataUnconfirmed, down)
			assert.NoError(err)
			assert.Equal(opts, d.Opts)
			if tst.dataDown {
				assert.Equal([]byte{1, 2, 3}, d.Data)
			}
		})
	}
}

func (ts *EngineTestSuite) TestPrepareJoinRequest() {
	assert := require.New(ts.T())

	b, err := ts.engine.PrepareJoinRequest(frame.JoinRequest{
		JoinEUI:  ts.session11.JoinEUI,
		DevEUI:   ts.session11.DevEUI,
		DevNonce: 10,
	})
	assert.NoError(err)

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(b))
	ok, err := phy.ValidateUplinkJoinMIC(nwkKey)
	assert.NoError(err)
	assert.True(ok)

	jrPL, ok := phy.MACPayload.(*lorawan.JoinRequestPayload)
	assert.True(ok)
	assert.Equal(ts.session11.DevEUI, jrPL.DevEUI)
	assert.Equal(lorawan.DevNonce(10), jrPL.DevNonce)
}

func (ts *EngineTestSuite) TestReceiveData() {
	tests := []struct {
		name          string
		session       session.Session
		op            Operation
		frame         []byte
		expectedData  []byte
		expectedFCnt  uint32
		expectedError error
	}{
		{
			name:         "LoRaWAN 1.0 unconfirmed",
			session:      ts.session10,
			op:           OpDataUnconfirmed,
			frame:        ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedData: []byte{1, 2, 3},
			expectedFCnt: 5,
		},
		{
			name:         "LoRaWAN 1.0 ack ignores the uplink counter",
			session:      ts.session10,
			op:           OpDataConfirmed,
			frame:        ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, true, fPort(0), []byte{1, 2, 3}, fNwkSIntKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedData: []byte{1, 2, 3},
			expectedFCnt: 5,
		},
		{
			name:         "LoRaWAN 1.1 application payload",
			session:      ts.session11,
			op:           OpDataConfirmed,
			frame:        ts.downlink(lorawan.ConfirmedDataDown, ts.session11.DevAddr, 5, false, fPort(20), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}, appSKey, sNwkSIntKey, lorawan.LoRaWAN1_1, 0),
			expectedData: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18},
			expectedFCnt: 5,
		},
		{
			name:         "LoRaWAN 1.1 mac-command payload",
			session:      ts.session11,
			op:           OpRejoining,
			frame:        ts.downlink(lorawan.UnconfirmedDataDown, ts.session11.DevAddr, 5, false, fPort(0), []byte{0x02}, nwkSEncKey, sNwkSIntKey, lorawan.LoRaWAN1_1, 0),
			expectedData: []byte{0x02},
			expectedFCnt: 5,
		},
		{
			name:         "LoRaWAN 1.1 ack uses the previous uplink counter",
			session:      ts.session11,
			op:           OpDataConfirmed,
			frame:        ts.downlink(lorawan.UnconfirmedDataDown, ts.session11.DevAddr, 5, true, fPort(1), []byte{1}, appSKey, sNwkSIntKey, lorawan.LoRaWAN1_1, 10),
			expectedData: []byte{1},
			expectedFCnt: 5,
		},
		{
			name: "counter roll-over",
			session: func() session.Session {
				s := ts.session10
				s.AppDown = 65000
				return s
			}(),
			op:           OpDataUnconfirmed,
			frame:        ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 65538, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedData: []byte{1, 2, 3},
			expectedFCnt: 65538,
		},
		{
			name:          "invalid mic",
			session:       ts.session10,
			op:            OpDataUnconfirmed,
			frame:         ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, sNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedError: ErrMIC,
		},
		{
			name:          "devaddr mismatch",
			session:       ts.session10,
			op:            OpDataUnconfirmed,
			frame:         ts.downlink(lorawan.UnconfirmedDataDown, lorawan.DevAddr{4, 3, 2, 1}, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedError: ErrDevAddrMismatch,
		},
		{
			name:          "data while joining",
			session:       ts.session10,
			op:            OpJoining,
			frame:         ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedError: ErrUnexpectedFrame,
		},
		{
			name:          "data while idle",
			session:       ts.session10,
			op:            OpNone,
			frame:         ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0),
			expectedError: ErrUnexpectedFrame,
		},
		{
			name:          "invalid frame",
			session:       ts.session10,
			op:            OpDataUnconfirmed,
			frame:         []byte{0x60, 0x01, 0x02},
			expectedError: ErrInvalidFrame,
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)
			s := tst.session

			d, err := ts.engine.ReceiveFrame(s, tst.op, tst.frame)
			if tst.expectedError != nil {
				assert.Equal(tst.expectedError, errors.Cause(err))
				return
			}
			assert.NoError(err)
			assert.Equal(tst.expectedData, d.Data)
			assert.Equal(tst.expectedFCnt, d.FullCounter)

			// the session is not modified
			assert.Equal(tst.session, s)
		})
	}
}

func (ts *EngineTestSuite) TestAckConfirmCounter() {
	assert := require.New(ts.T())

	b := ts.downlink(lorawan.UnconfirmedDataDown, ts.session11.DevAddr, 5, true, fPort(1), []byte{1}, appSKey, sNwkSIntKey, lorawan.LoRaWAN1_1, 10)

	s1 := ts.session11
	s1.Up = 11
	s2 := ts.session11
	s2.Up = 12

	_, err := ts.engine.ReceiveFrame(s1, OpDataConfirmed, append([]byte{}, b...))
	assert.NoError(err)

	_, err = ts.engine.ReceiveFrame(s2, OpDataConfirmed, append([]byte{}, b...))
	assert.Equal(ErrMIC, errors.Cause(err))

	// LoRaWAN 1.0 does not authenticate the confirm counter
	b = ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, true, fPort(1), []byte{1}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0)
	s1 = ts.session10
	s1.Up = 11
	s2 = ts.session10
	s2.Up = 12

	_, err = ts.engine.ReceiveFrame(s1, OpDataConfirmed, append([]byte{}, b...))
	assert.NoError(err)
	_, err = ts.engine.ReceiveFrame(s2, OpDataConfirmed, append([]byte{}, b...))
	assert.NoError(err)
}

func (ts *EngineTestSuite) TestReceiveJoinAccept() {
	tests := []struct {
		name          string
		conf          func(*Config)
		session       func(*session.Session)
		op            Operation
		frame         []byte
		expectedError error
	}{
		{
			name:  "join",
			op:    OpJoining,
			frame: ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey),
		},
		{
			name:  "join with cflist",
			op:    OpJoining,
			frame: ts.joinAccept(1, false, true, lorawan.JoinRequestType, nwkKey, nwkKey),
		},
		{
			name:  "join with key negotiation",
			op:    OpJoining,
			frame: ts.joinAccept(1, true, true, lorawan.JoinRequestType, nwkKey, jsIntKey),
		},
		{
			name:  "rejoin with key negotiation",
			op:    OpRejoining,
			frame: ts.joinAccept(1, true, false, lorawan.RejoinRequestType2, jsEncKey, jsIntKey),
		},
		{
			name:  "rejoin without key negotiation uses the network key",
			op:    OpRejoining,
			frame: ts.joinAccept(1, false, false, lorawan.RejoinRequestType2, jsEncKey, nwkKey),
		},
		{
			name:          "join with key negotiation and rejoin type",
			op:            OpJoining,
			frame:         ts.joinAccept(1, true, false, lorawan.RejoinRequestType2, nwkKey, jsIntKey),
			expectedError: ErrMIC,
		},
		{
			name:          "join with key negotiation signed by the network key",
			op:            OpJoining,
			frame:         ts.joinAccept(1, true, false, lorawan.JoinRequestType, nwkKey, nwkKey),
			expectedError: ErrMIC,
		},
		{
			name:          "join encrypted with the join-session key",
			op:            OpJoining,
			frame:         ts.joinAccept(1, false, false, lorawan.JoinRequestType, jsEncKey, nwkKey),
			expectedError: ErrMIC,
		},
		{
			name: "stale join nonce",
			session: func(s *session.Session) {
				s.NextJoinNonce = 2
			},
			op:            OpJoining,
			frame:         ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey),
			expectedError: ErrStaleJoinNonce,
		},
		{
			name: "stale join nonce without check",
			conf: func(c *Config) {
				c.JoinNonceCheck = false
			},
			session: func(s *session.Session) {
				s.NextJoinNonce = 2
			},
			op:    OpJoining,
			frame: ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey),
		},
		{
			name: "equal join nonce",
			session: func(s *session.Session) {
				s.NextJoinNonce = 1
			},
			op:    OpJoining,
			frame: ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey),
		},
		{
			name:          "join-accept while sending data",
			op:            OpDataConfirmed,
			frame:         ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey),
			expectedError: ErrUnexpectedFrame,
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			conf := DefaultConfig()
			if tst.conf != nil {
				tst.conf(&conf)
			}
			s := ts.session11
			if tst.session != nil {
				tst.session(&s)
			}

			engine := New(ts.sm, frame.NewCodec(), conf)
			d, err := engine.ReceiveFrame(s, tst.op, tst.frame)
			if tst.expectedError != nil {
				assert.Equal(tst.expectedError, errors.Cause(err))
				return
			}
			assert.NoError(err)

			assert.True(d.IsJoinAccept())
			assert.EqualValues(1, d.JoinNonce)
			assert.Equal(lorawan.NetID{0x01, 0x02, 0x03}, d.NetID)
			assert.Equal(lorawan.DevAddr{0x05, 0x06, 0x07, 0x08}, d.JoinDevAddr)
			assert.EqualValues(3, d.DLSettings.RX2DataRate)
			assert.EqualValues(1, d.DLSettings.RX1DROffset)
			assert.EqualValues(2, d.RXDelay)

			if len(tst.frame) == 33 {
				cfList, err := d.ParsedCFList()
				assert.NoError(err)
				pl, ok := cfList.Payload.(*lorawan.CFListChannelPayload)
				assert.True(ok)
				assert.EqualValues(867100000, pl.Channels[0])
			}
		})
	}
}

func (ts *EngineTestSuite) TestForeignJoinAccept() {
	// only the root key is provisioned for a LoRaWAN 1.0 device, the
	// join-session keys are never derived
	m := software.New(nil)
	m.SetKey(sm.Nwk, nwkKey)
	engine := New(m, frame.NewCodec(), DefaultConfig())

	ts.T().Run("random join-accepts are rejected", func(t *testing.T) {
		assert := require.New(t)
		r := rand.New(rand.NewSource(1))

		for i := 0; i < 64; i++ {
			size := 17
			if i%2 == 1 {
				size = 33
			}
			b := make([]byte, size)
			r.Read(b)
			b[0] = 0x20

			_, err := engine.ReceiveFrame(ts.session10, OpJoining, b)
			assert.Equal(ErrMIC, errors.Cause(err), "frame %d: %s", i, err)
		}
	})

	ts.T().Run("key negotiation flag is ignored", func(t *testing.T) {
		assert := require.New(t)

		// a join-accept with the OptNeg bit set, signed by the network key
		// without the join-accept MIC context
		b := ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey)
		assert.NoError(m.ECB(sm.Nwk, b[1:17]))
		b[11] |= 0x80
		mic, err := m.MIC(sm.Nwk, nil, b[:13])
		assert.NoError(err)
		binary.LittleEndian.PutUint32(b[13:], mic)

		c, err := aes.NewCipher(nwkKey[:])
		assert.NoError(err)
		c.Decrypt(b[1:17], b[1:17])

		d, err := engine.ReceiveFrame(ts.session10, OpJoining, b)
		assert.NoError(err)
		assert.True(d.DLSettings.OptNeg)
	})

	ts.T().Run("rejoin is not supported", func(t *testing.T) {
		assert := require.New(t)

		b := ts.joinAccept(1, false, false, lorawan.RejoinRequestType2, jsEncKey, nwkKey)
		_, err := engine.ReceiveFrame(ts.session10, OpRejoining, b)
		assert.Equal(ErrUnexpectedFrame, errors.Cause(err))
	})
}

func (ts *EngineTestSuite) TestAuthenticatedRegion() {
	data := ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, false, fPort(1), []byte{1, 2, 3}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0)

	ts.T().Run("valid", func(t *testing.T) {
		assert := require.New(t)
		_, err := ts.engine.ReceiveFrame(ts.session10, OpDataUnconfirmed, append([]byte{}, data...))
		assert.NoError(err)
	})

	tests := []struct {
		name string
		pos  int
		mask byte
	}{
		{"fctrl", 5, 0x20},
		{"fcnt", 6, 0x01},
		{"fport", 8, 0x02},
		{"first payload byte", 9, 0x01},
		{"last payload byte", 11, 0x80},
		{"mic", 12, 0x01},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			b := append([]byte{}, data...)
			b[tst.pos] ^= tst.mask

			_, err := ts.engine.ReceiveFrame(ts.session10, OpDataUnconfirmed, b)
			assert.Equal(ErrMIC, errors.Cause(err))
		})
	}

	ts.T().Run("truncated payload", func(t *testing.T) {
		assert := require.New(t)

		// drop the last payload byte, keep the mic
		b := append(append([]byte{}, data[:11]...), data[12:]...)
		_, err := ts.engine.ReceiveFrame(ts.session10, OpDataUnconfirmed, b)
		assert.Equal(ErrMIC, errors.Cause(err))
	})

	ts.T().Run("join-accept", func(t *testing.T) {
		ja := ts.joinAccept(1, false, false, lorawan.JoinRequestType, nwkKey, nwkKey)

		for pos := 1; pos < len(ja); pos++ {
			assert := require.New(t)

			b := append([]byte{}, ja...)
			b[pos] ^= 0x01

			_, err := ts.engine.ReceiveFrame(ts.session11, OpJoining, b)
			assert.Equal(ErrMIC, errors.Cause(err), "byte %d", pos)
		}
	})
}

func (ts *EngineTestSuite) TestLoRaWAN10KeyUsage() {
	assert := require.New(ts.T())

	m := software.New(nil)
	m.SetKey(sm.AppS, appSKey)
	m.SetKey(sm.FNwkSInt, fNwkSIntKey)
	rec := test.NewSecureModule(m)
	engine := New(rec, frame.NewCodec(), Config{FOptsErrata: true, JoinNonceCheck: true})

	_, err := engine.PrepareData(ts.session10, frame.Data{Counter: 1, Opts: []byte{0x02}, Port: fPort(1), Data: []byte{1}}, TXParams{DataRate: 1, Channel: 1})
	assert.NoError(err)
	_, err = engine.PrepareData(ts.session10, frame.Data{Counter: 2, Port: fPort(0), Data: []byte{1}}, TXParams{})
	assert.NoError(err)

	b := ts.downlink(lorawan.UnconfirmedDataDown, ts.session10.DevAddr, 5, true, fPort(0), []byte{1}, fNwkSIntKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0)
	_, err = engine.ReceiveFrame(ts.session10, OpDataConfirmed, b)
	assert.NoError(err)

	used := rec.UsedKeys()
	assert.True(used[sm.FNwkSInt])
	assert.True(used[sm.AppS])
	assert.False(used[sm.SNwkSInt])
	assert.False(used[sm.NwkSEnc])
}

func (ts *EngineTestSuite) TestSecureModuleError() {
	assert := require.New(ts.T())

	engine := New(software.New(nil), frame.NewCodec(), DefaultConfig())
	_, err := engine.PrepareData(ts.session10, frame.Data{Port: fPort(1), Data: []byte{1}}, TXParams{})
	assert.Equal(software.ErrKeyNotSet, errors.Cause(err))

	_, err = engine.PrepareJoinRequest(frame.JoinRequest{})
	assert.Equal(software.ErrKeyNotSet, errors.Cause(err))
}

func (ts *EngineTestSuite) TestEndToEnd() {
	ts.T().Run("LoRaWAN 1.0 port 1 payload", func(t *testing.T) {
		assert := require.New(t)

		// OTAA: derive the session keys from the root key on both sides.
		m := software.New(nil)
		m.SetKey(sm.Nwk, nwkKey)
		s := session.Session{
			DevAddr:   lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
			NetID:     lorawan.NetID{0x00, 0x00, 0x13},
			JoinNonce: 0x000102,
			DevNonce:  0x0304,
			Version:   session.LoRaWAN1_0,
		}
		assert.NoError(keys.DeriveSessionKeys(m, s))
		engine := New(m, frame.NewCodec(), DefaultConfig())

		nwkSKey := ts.deriveKey(nwkKey, block.NewSessionKeyIV(block.KeyFNwkSInt, s.JoinNonce, s.NetID, s.DevNonce))
		appSKey := ts.deriveKey(nwkKey, block.NewSessionKeyIV(block.KeyAppS, s.JoinNonce, s.NetID, s.DevNonce))

		b, err := engine.PrepareData(s, frame.Data{Counter: 5, Port: fPort(1), Data: []byte{0xaa, 0xbb, 0xcc}}, TXParams{})
		assert.NoError(err)
		assert.Len(b, 1+7+1+3+4)

		ok, pl := ts.uplink(b, lorawan.LoRaWAN1_0, TXParams{}, nwkSKey, nwkSKey, appSKey)
		assert.True(ok)
		assert.Equal([]byte{0xaa, 0xbb, 0xcc}, pl)

		down := ts.downlink(lorawan.UnconfirmedDataDown, s.DevAddr, 5, false, fPort(1), []byte{0xaa, 0xbb, 0xcc}, appSKey, nwkSKey, lorawan.LoRaWAN1_0, 0)
		d, err := engine.ReceiveFrame(s, OpDataUnconfirmed, down)
		assert.NoError(err)
		assert.Equal([]byte{0xaa, 0xbb, 0xcc}, d.Data)
		assert.EqualValues(5, d.FullCounter)
	})

	ts.T().Run("LoRaWAN 1.1 round-trip after key derivation", func(t *testing.T) {
		assert := require.New(t)

		m := software.New(nil)
		m.SetKey(sm.Nwk, nwkKey)
		m.SetKey(sm.App, appSKey)
		s := ts.session11
		s.JoinNonce = 10
		s.DevNonce = 20
		assert.NoError(keys.DeriveSessionKeys(m, s))
		engine := New(m, frame.NewCodec(), DefaultConfig())

		iv := func(disc uint8) block.Block {
			return block.NewSessionKeyIV11(disc, s.JoinNonce, s.JoinEUI, s.DevNonce)
		}
		fKey := ts.deriveKey(nwkKey, iv(block.KeyFNwkSInt))
		sKey := ts.deriveKey(nwkKey, iv(block.KeySNwkSInt))
		aKey := ts.deriveKey(appSKey, iv(block.KeyAppS))

		tx := TXParams{DataRate: 2, Channel: 4}
		b, err := engine.PrepareData(s, frame.Data{Counter: 1, Port: fPort(2), Data: []byte{1, 2, 3}}, tx)
		assert.NoError(err)
		ok, pl := ts.uplink(b, lorawan.LoRaWAN1_1, tx, fKey, sKey, aKey)
		assert.True(ok)
		assert.Equal([]byte{1, 2, 3}, pl)

		down := ts.downlink(lorawan.UnconfirmedDataDown, s.DevAddr, 1, false, fPort(2), []byte{4, 5, 6}, aKey, sKey, lorawan.LoRaWAN1_1, 0)
		d, err := engine.ReceiveFrame(s, OpDataUnconfirmed, down)
		assert.NoError(err)
		assert.Equal([]byte{4, 5, 6}, d.Data)
	})

	ts.T().Run("counter roll-over", func(t *testing.T) {
		assert := require.New(t)

		s := ts.session10
		s.AppDown = 65000

		down := ts.downlink(lorawan.UnconfirmedDataDown, s.DevAddr, 65538, false, fPort(1), []byte{1}, appSKey, fNwkSIntKey, lorawan.LoRaWAN1_0, 0)
		d, err := ts.engine.ReceiveFrame(s, OpDataUnconfirmed, down)
		assert.NoError(err)
		assert.EqualValues(2, d.Counter)
		assert.EqualValues(65538, d.FullCounter)

		s.SyncDownCounter(d.Port, d.Counter)
		assert.EqualValues(65538, s.AppDown)
		assert.EqualValues(1, s.AppDown>>16)
	})
}

func (ts *EngineTestSuite) deriveKey(root lorawan.AES128Key, iv block.Block) lorawan.AES128Key {
	assert := require.New(ts.T())

	m := software.New(nil)
	m.SetKey(sm.Nwk, root)
	b := append([]byte{}, iv[:]...)
	assert.NoError(m.ECB(sm.Nwk, b))

	var key lorawan.AES128Key
	copy(key[:], b)
	return key
}

func TestEngine(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestOperation(t *testing.T) {
	assert := require.New(t)
	assert.Equal("joining", OpJoining.String())
	assert.Equal("data_confirmed", OpDataConfirmed.String())
	assert.Equal("Operation(10)", Operation(10).String())
}
