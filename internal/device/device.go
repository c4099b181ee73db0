// Package device implements a simulated LoRaWAN end-device. It performs the
// MAC-layer bookkeeping around the security engine: the OTAA join, the
// frame-counters and the session persistence. The device reaches the
// network through a (virtual) gateway backend.
package device

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway"
	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/keys"
	"github.com/brocaar/chirpstack-device-stack/internal/logging"
	"github.com/brocaar/chirpstack-device-stack/internal/security"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// errors
var (
	ErrNotActivated = errors.New("device is not activated")
	ErrJoinTimeout  = errors.New("no join-accept received")
)

// SessionStore defines the session persistence used by the device.
type SessionStore interface {
	GetSession(ctx context.Context, devEUI lorawan.EUI64) (session.Session, error)
	SaveSession(ctx context.Context, s session.Session) error
}

// FrameLogger logs the frames exchanged by the device.
type FrameLogger interface {
	LogUplinkFrame(ctx context.Context, devEUI lorawan.EUI64, uf gw.UplinkFrame) error
	LogDownlinkFrame(ctx context.Context, devEUI lorawan.EUI64, df gw.DownlinkFrame) error
}

// Config holds the device configuration.
type Config struct {
	DevEUI     lorawan.EUI64
	JoinEUI    lorawan.EUI64
	MACVersion session.MACVersion

	// OTAA activation when set, else ABP using DevAddr and the session
	// keys provisioned in the secure module.
	OTAA    bool
	DevAddr lorawan.DevAddr

	GatewayID lorawan.EUI64
	DataRate  int
	Channel   int
	RXTimeout time.Duration
}

// Downlink holds an accepted (and decrypted) downlink data frame.
type Downlink struct {
	Confirmed bool
	ACK       bool
	FPending  bool
	FCnt      uint32
	FPort     uint8
	Opts      []byte
	Data      []byte
}

// Device implements the simulated end-device.
type Device struct {
	conf    Config
	sm      sm.SecureModule
	engine  *security.Engine
	store   SessionStore
	gateway gateway.Gateway
	band    loraband.Band

	session  session.Session
	frameLog FrameLogger

	// pendingACK is set when a confirmed downlink must be acknowledged by
	// the next uplink.
	pendingACK bool
}

// New creates a new device. The session is loaded from the store or
// created when it does not exist yet.
func New(ctx context.Context, conf Config, m sm.SecureModule, e *security.Engine, store SessionStore, g gateway.Gateway, b loraband.Band) (*Device, error) {
	d := Device{
		conf:    conf,
		sm:      m,
		engine:  e,
		store:   store,
		gateway: g,
		band:    b,
	}

	s, err := store.GetSession(ctx, conf.DevEUI)
	if err != nil {
		if errors.Cause(err) != session.ErrDoesNotExist {
			return nil, errors.Wrap(err, "get session error")
		}

		s = session.Session{
			DevEUI:  conf.DevEUI,
			JoinEUI: conf.JoinEUI,
			Version: conf.MACVersion,
		}
		if !conf.OTAA {
			s.DevAddr = conf.DevAddr
			s.Joined = true
		}

		if err := store.SaveSession(ctx, s); err != nil {
			return nil, errors.Wrap(err, "save session error")
		}
	}
	d.session = s

	if conf.MACVersion == session.LoRaWAN1_1 && conf.OTAA {
		if err := keys.DeriveJoinKeys(m, conf.DevEUI); err != nil {
			return nil, errors.Wrap(err, "derive join keys error")
		}
	}

	if conf.OTAA && s.Joined {
		if err := keys.DeriveSessionKeys(m, s); err != nil {
			return nil, errors.Wrap(err, "derive session keys error")
		}
	}

	log.WithFields(log.Fields{
		"dev_eui":     conf.DevEUI,
		"otaa":        conf.OTAA,
		"joined":      s.Joined,
		"mac_version": s.Version,
	}).Info("device: device initialized")

	return &d, nil
}

// SetFrameLogger sets the logger for the exchanged frames.
func (d *Device) SetFrameLogger(l FrameLogger) {
	d.frameLog = l
}

// Session returns a copy of the current session.
func (d *Device) Session() session.Session {
	return d.session
}

// Join performs the OTAA join. On success the session holds the new
// DevAddr and the session keys are derived.
func (d *Device) Join(ctx context.Context) error {
	ctx, err := logging.NewContextWithID(ctx)
	if err != nil {
		return err
	}

	// The DevNonce must never be re-used, it is persisted before the
	// join-request is sent.
	d.session.DevNonce++
	if err := d.store.SaveSession(ctx, d.session); err != nil {
		return errors.Wrap(err, "save session error")
	}

	b, err := d.engine.PrepareJoinRequest(frame.JoinRequest{
		JoinEUI:  d.session.JoinEUI,
		DevEUI:   d.session.DevEUI,
		DevNonce: d.session.DevNonce,
	})
	if err != nil {
		return errors.Wrap(err, "prepare join-request error")
	}

	if err := d.sendUplink(ctx, "join_request", b); err != nil {
		return err
	}

	down, err := d.receive(ctx, security.OpJoining)
	if err != nil {
		return err
	}
	if down == nil {
		return ErrJoinTimeout
	}

	s := d.session
	s.DevAddr = down.JoinDevAddr
	s.NetID = down.NetID
	s.JoinNonce = down.JoinNonce
	s.NextJoinNonce = down.JoinNonce + 1
	s.Version = session.LoRaWAN1_0
	if d.conf.MACVersion == session.LoRaWAN1_1 && down.DLSettings.OptNeg {
		s.Version = session.LoRaWAN1_1
	}
	s.Joined = true
	s.ResetCounters()

	if err := keys.DeriveSessionKeys(d.sm, s); err != nil {
		return errors.Wrap(err, "derive session keys error")
	}

	d.session = s
	d.pendingACK = false
	if err := d.store.SaveSession(ctx, d.session); err != nil {
		return errors.Wrap(err, "save session error")
	}

	log.WithFields(log.Fields{
		"dev_eui":     s.DevEUI,
		"dev_addr":    s.DevAddr,
		"mac_version": s.Version,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("device: device joined")

	return nil
}

// SendData sends the given payload and waits for the downlink in the
// receive windows. It returns nil when no downlink was received.
func (d *Device) SendData(ctx context.Context, fPort uint8, data []byte, confirmed bool) (*Downlink, error) {
	if !d.session.Joined {
		return nil, ErrNotActivated
	}

	ctx, err := logging.NewContextWithID(ctx)
	if err != nil {
		return nil, err
	}

	f := frame.Data{
		Confirmed: confirmed,
		ACK:       d.pendingACK,
		Counter:   d.session.Up,
		Port:      &fPort,
		Data:      append([]byte{}, data...),
	}

	b, err := d.engine.PrepareData(d.session, f, security.TXParams{
		DataRate: uint8(d.conf.DataRate),
		Channel:  uint8(d.conf.Channel),
	})
	if err != nil {
		return nil, errors.Wrap(err, "prepare data error")
	}

	// The uplink frame-counter must never be re-used, it is persisted
	// before the frame is sent.
	d.session.Up++
	d.pendingACK = false
	if err := d.store.SaveSession(ctx, d.session); err != nil {
		return nil, errors.Wrap(err, "save session error")
	}

	upType := "unconfirmed_data_up"
	op := security.OpDataUnconfirmed
	if confirmed {
		upType = "confirmed_data_up"
		op = security.OpDataConfirmed
	}

	if err := d.sendUplink(ctx, upType, b); err != nil {
		return nil, err
	}

	down, err := d.receive(ctx, op)
	if err != nil {
		return nil, err
	}
	if down == nil {
		if confirmed {
			log.WithFields(log.Fields{
				"dev_eui": d.session.DevEUI,
				"f_cnt":   f.Counter,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).Warning("device: confirmed uplink not acknowledged")
		}
		return nil, nil
	}

	d.session.SyncDownCounter(down.Port, down.Counter)
	d.pendingACK = down.MType == lorawan.ConfirmedDataDown
	if err := d.store.SaveSession(ctx, d.session); err != nil {
		return nil, errors.Wrap(err, "save session error")
	}

	dl := Downlink{
		Confirmed: down.MType == lorawan.ConfirmedDataDown,
		ACK:       down.ACK,
		FPending:  down.FPending,
		FCnt:      down.FullCounter,
		FPort:     down.Port,
		Opts:      down.Opts,
		Data:      down.Data,
	}

	log.WithFields(log.Fields{
		"dev_eui":   d.session.DevEUI,
		"f_cnt":     dl.FCnt,
		"f_port":    dl.FPort,
		"ack":       dl.ACK,
		"confirmed": dl.Confirmed,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("device: downlink received")

	return &dl, nil
}

func (d *Device) sendUplink(ctx context.Context, upType string, b []byte) error {
	txInfo, err := band.UplinkTXInfo(d.band, d.conf.DataRate, d.conf.Channel)
	if err != nil {
		return errors.Wrap(err, "get uplink tx-info error")
	}

	uplinkID, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}

	// The context holds the (simulated) concentrator counter in us, which
	// the network uses for scheduling the downlink.
	gwContext := make([]byte, 4)
	binary.BigEndian.PutUint32(gwContext, uint32(time.Now().UnixNano()/int64(time.Microsecond)))

	uf := gw.UplinkFrame{
		PhyPayload: b,
		TxInfo:     txInfo,
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: d.conf.GatewayID[:],
			Time:      ptypes.TimestampNow(),
			Rssi:      -60,
			LoraSnr:   7,
			Channel:   uint32(d.conf.Channel),
			Context:   gwContext,
			UplinkId:  uplinkID[:],
			CrcStatus: gw.CRCStatus_CRC_OK,
		},
	}

	if err := d.gateway.SendUplinkFrame(uf); err != nil {
		return errors.Wrap(err, "send uplink frame error")
	}
	uplinkSentCounter(upType).Inc()

	if d.frameLog != nil {
		if err := d.frameLog.LogUplinkFrame(ctx, d.session.DevEUI, uf); err != nil {
			log.WithError(err).Error("device: log uplink frame error")
		}
	}

	log.WithFields(log.Fields{
		"dev_eui":   d.session.DevEUI,
		"type":      upType,
		"uplink_id": uplinkID,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("device: uplink sent")

	return nil
}

// receive waits for a downlink accepted by the security engine. Downlinks
// rejected by the engine (e.g. addressed to other devices) or replayed
// downlinks are ignored. It returns nil when the receive timeout expires.
func (d *Device) receive(ctx context.Context, op security.Operation) (*frame.Down, error) {
	timeout := time.NewTimer(d.conf.RXTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			log.WithFields(log.Fields{
				"dev_eui":   d.session.DevEUI,
				"operation": op,
				"ctx_id":    ctx.Value(logging.ContextIDKey),
			}).Debug("device: receive timeout")
			return nil, nil
		case df, ok := <-d.gateway.DownlinkFrameChan():
			if !ok {
				return nil, errors.New("gateway backend closed")
			}

			down, index, err := d.handleDownlinkFrame(ctx, op, df)
			if err != nil {
				return nil, err
			}
			if down == nil {
				continue
			}

			if err := d.sendTXAck(df, index); err != nil {
				return nil, err
			}

			if d.frameLog != nil {
				if err := d.frameLog.LogDownlinkFrame(ctx, d.session.DevEUI, df); err != nil {
					log.WithError(err).Error("device: log downlink frame error")
				}
			}

			return down, nil
		}
	}
}

// handleDownlinkFrame tries the downlink items (RX1, RX2) in order and
// returns the first one accepted.
func (d *Device) handleDownlinkFrame(ctx context.Context, op security.Operation, df gw.DownlinkFrame) (*frame.Down, int, error) {
	payloads := [][]byte{}
	for _, item := range df.GetItems() {
		payloads = append(payloads, item.GetPhyPayload())
	}

	for i, pl := range payloads {
		// the frame is decrypted in place
		b := append([]byte{}, pl...)

		down, err := d.engine.ReceiveFrame(d.receiveSession(op), op, b)
		if err != nil {
			if isRejection(err) {
				continue
			}
			return nil, 0, errors.Wrap(err, "receive frame error")
		}

		if !down.IsJoinAccept() && d.isReplay(down) {
			log.WithFields(log.Fields{
				"dev_eui": d.session.DevEUI,
				"f_cnt":   down.FullCounter,
				"f_port":  down.Port,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).Warning("device: downlink frame-counter replay, ignoring frame")
			continue
		}

		if down.IsJoinAccept() {
			downlinkReceivedCounter("join_accept").Inc()
		} else {
			downlinkReceivedCounter("data_down").Inc()
		}

		return &down, i, nil
	}

	return nil, 0, nil
}

// receiveSession returns the session used to authenticate downlinks for
// the given operation. While joining, the version of the previous session
// does not apply, the join-accept is verified for the configured version.
func (d *Device) receiveSession(op security.Operation) session.Session {
	s := d.session
	if op == security.OpJoining {
		s.Version = d.conf.MACVersion
	}
	return s
}

// isReplay returns true when the reconstructed counter did not increase.
// A counter of 0 is accepted as long as no downlink was received.
func (d *Device) isReplay(down frame.Down) bool {
	last := d.session.LastDownCounter(down.Port)
	if down.FullCounter == last {
		return last != 0
	}
	return down.FullCounter < last
}

func (d *Device) sendTXAck(df gw.DownlinkFrame, index int) error {
	ack := gw.DownlinkTXAck{
		GatewayId:  d.conf.GatewayID[:],
		Token:      df.GetToken(),
		DownlinkId: df.GetDownlinkId(),
	}

	for i := range df.GetItems() {
		status := gw.TxAckStatus_IGNORED
		if i == index {
			status = gw.TxAckStatus_OK
		}
		ack.Items = append(ack.Items, &gw.DownlinkTXAckItem{
			Status: status,
		})
	}

	if err := d.gateway.SendDownlinkTXAck(ack); err != nil {
		return errors.Wrap(err, "send downlink tx ack error")
	}
	return nil
}

func isRejection(err error) bool {
	switch errors.Cause(err) {
	case security.ErrInvalidFrame, security.ErrMIC, security.ErrUnexpectedFrame, security.ErrDevAddrMismatch, security.ErrStaleJoinNonce:
		return true
	default:
		return false
	}
}
