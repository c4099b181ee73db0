package security

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
	"github.com/brocaar/lorawan"
)

// ReceiveFrame decodes, authenticates and decrypts (in place) the given
// downlink frame. The session is not modified, on success the caller must
// validate the returned FullCounter and call SyncDownCounter (data) or
// update the session with the join-accept fields (join-accept).
//
// Rejected frames are reported as one of the package errors, e.g.
// ErrMIC. Errors returned by the secure module are wrapped and returned
// as-is.
func (e *Engine) ReceiveFrame(s session.Session, op Operation, b []byte) (frame.Down, error) {
	d, err := e.codec.Decode(b)
	if err != nil {
		return d, e.reject(s, op, "invalid_frame", errors.Wrapf(ErrInvalidFrame, "decode error: %s", err))
	}

	switch d.MType {
	case lorawan.JoinAccept:
		return e.receiveJoinAccept(s, op, b)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		return e.receiveData(s, op, b, d)
	default:
		return d, e.reject(s, op, "unexpected_frame", errors.Wrapf(ErrUnexpectedFrame, "mtype: %s", d.MType))
	}
}

func (e *Engine) receiveJoinAccept(s session.Session, op Operation, b []byte) (frame.Down, error) {
	var d frame.Down

	if op != OpJoining && op != OpRejoining {
		return d, e.reject(s, op, "unexpected_frame", errors.Wrapf(ErrUnexpectedFrame, "join-accept while %s", op))
	}

	// Rejoin and key negotiation only exist for LoRaWAN 1.1, a 1.0 session
	// never holds the join-session keys.
	v11 := s.Version == session.LoRaWAN1_1
	if op == OpRejoining && !v11 {
		return d, e.reject(s, op, "unexpected_frame", errors.Wrapf(ErrUnexpectedFrame, "join-accept while %s (mac_version: %s)", op, s.Version))
	}

	key := sm.Nwk
	joinType := block.JoinTypeJoin
	if op == OpRejoining {
		key = sm.JSEnc
		joinType = block.JoinTypeRejoin2
	}

	// The network encrypts the join-accept using AES decrypt, thus the
	// device uses AES encrypt to decrypt it.
	size := e.codec.JoinAcceptSize(false)
	if err := e.sm.ECB(key, b[1:size]); err != nil {
		return d, errors.Wrap(err, "decrypt join-accept error")
	}
	if len(b) == e.codec.JoinAcceptSize(true) {
		if err := e.sm.ECB(key, b[size:]); err != nil {
			return d, errors.Wrap(err, "decrypt join-accept error")
		}
	}

	d, err := e.codec.Decode(b)
	if err != nil {
		return d, e.reject(s, op, "invalid_frame", errors.Wrapf(ErrInvalidFrame, "decode decrypted join-accept error: %s", err))
	}

	if e.conf.JoinNonceCheck && d.JoinNonce < s.NextJoinNonce {
		return d, e.reject(s, op, "stale_join_nonce", errors.Wrapf(ErrStaleJoinNonce, "join nonce: %d, expected >= %d", d.JoinNonce, s.NextJoinNonce))
	}

	var hdr []byte
	micKey := sm.Nwk
	if v11 && d.DLSettings.OptNeg {
		micKey = sm.JSInt
		hdr = block.NewJoinAcceptMICHeader(joinType, s.JoinEUI, s.DevNonce)
	}

	mic, err := e.sm.MIC(micKey, hdr, b[:len(b)-frame.MICSize])
	if err != nil {
		return d, errors.Wrap(err, "calculate mic error")
	}

	if mic != d.MIC {
		return d, e.reject(s, op, "mic", errors.Wrapf(ErrMIC, "join-accept mic (key: %s)", micKey))
	}

	frameAccepted("join_accept").Inc()

	log.WithFields(log.Fields{
		"dev_eui":    s.DevEUI,
		"operation":  op,
		"join_nonce": d.JoinNonce,
		"dev_addr":   d.JoinDevAddr,
		"opt_neg":    d.DLSettings.OptNeg,
	}).Debug("security: join-accept accepted")

	return d, nil
}

func (e *Engine) receiveData(s session.Session, op Operation, b []byte, d frame.Down) (frame.Down, error) {
	if op != OpRejoining && op != OpDataUnconfirmed && op != OpDataConfirmed {
		return d, e.reject(s, op, "unexpected_frame", errors.Wrapf(ErrUnexpectedFrame, "data while %s", op))
	}

	ks, err := getKeySet(s.Version)
	if err != nil {
		return d, err
	}

	if d.DevAddr != s.DevAddr {
		return d, e.reject(s, op, "dev_addr", errors.Wrapf(ErrDevAddrMismatch, "dev_addr: %s", d.DevAddr))
	}

	counter := s.DeriveDownCounter(d.Port, d.Counter)

	var confCnt uint16
	if ks.version == session.LoRaWAN1_1 && d.ACK {
		confCnt = uint16(s.Up - 1)
	}

	n := len(b) - frame.MICSize
	b0 := block.NewB(confCnt, 0, 0, block.Downlink, d.DevAddr, counter, uint8(n))
	mic, err := e.sm.MIC(ks.downMIC, b0[:], b[:n])
	if err != nil {
		return d, errors.Wrap(err, "calculate mic error")
	}

	if mic != d.MIC {
		return d, e.reject(s, op, "mic", errors.Wrapf(ErrMIC, "data mic (f_cnt: %d)", counter))
	}

	if ks.encryptOpts && len(d.Opts) != 0 {
		a := e.optsBlock(block.Downlink, d.DevAddr, counter, d.DataPresent)
		if err := e.sm.CTR(ks.opts, a, d.Opts); err != nil {
			return d, errors.Wrap(err, "decrypt fopts error")
		}
	}

	if len(d.Data) != 0 {
		a := block.NewA(0, block.Downlink, d.DevAddr, counter, 1)
		if err := e.sm.CTR(ks.payload(d.Port), a, d.Data); err != nil {
			return d, errors.Wrap(err, "decrypt frmpayload error")
		}
	}

	d.FullCounter = counter

	frameAccepted("data_down").Inc()

	log.WithFields(log.Fields{
		"dev_addr":    d.DevAddr,
		"operation":   op,
		"f_cnt":       counter,
		"f_port":      d.Port,
		"mac_version": s.Version,
	}).Debug("security: data accepted")

	return d, nil
}

func (e *Engine) reject(s session.Session, op Operation, reason string, err error) error {
	frameRejected(reason).Inc()

	log.WithFields(log.Fields{
		"dev_eui":   s.DevEUI,
		"dev_addr":  s.DevAddr,
		"operation": op,
		"reason":    reason,
	}).WithError(err).Debug("security: frame rejected")

	return err
}
