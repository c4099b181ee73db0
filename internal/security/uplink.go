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

// PrepareData encodes, encrypts and signs the given uplink data frame.
// The DevAddr of the frame is always taken from the session.
func (e *Engine) PrepareData(s session.Session, f frame.Data, tx TXParams) ([]byte, error) {
	b, err := e.EncryptData(s, f)
	if err != nil {
		return nil, err
	}

	if err := e.SetDataMIC(s, b, f.Counter, tx); err != nil {
		return nil, err
	}

	framePrepared("data_up").Inc()

	return b, nil
}

// EncryptData encodes the given uplink data frame and encrypts the FOpts
// (LoRaWAN 1.1) and FRMPayload in place. The MIC trailer is left zeroed,
// use SetDataMIC once the transmission parameters are known.
func (e *Engine) EncryptData(s session.Session, f frame.Data) ([]byte, error) {
	ks, err := getKeySet(s.Version)
	if err != nil {
		return nil, err
	}

	f.DevAddr = s.DevAddr

	b, offsets, err := e.codec.EncodeData(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode data error")
	}

	if ks.encryptOpts && offsets.OptsLen != 0 {
		a := e.optsBlock(block.Uplink, f.DevAddr, f.Counter, f.Port != nil)
		if err := e.sm.CTR(ks.opts, a, offsets.OptsRegion(b)); err != nil {
			return nil, errors.Wrap(err, "encrypt fopts error")
		}
	}

	if offsets.DataLen != 0 {
		var fPort uint8
		if f.Port != nil {
			fPort = *f.Port
		}

		a := block.NewA(0, block.Uplink, f.DevAddr, f.Counter, 1)
		if err := e.sm.CTR(ks.payload(fPort), a, offsets.DataRegion(b)); err != nil {
			return nil, errors.Wrap(err, "encrypt frmpayload error")
		}
	}

	return b, nil
}

// SetDataMIC computes the MIC of the encrypted uplink data frame b and
// writes it into the frame trailer. For LoRaWAN 1.1 the MIC covers the
// data-rate and channel of the transmission, so this must be called again
// when a frame is retransmitted using different parameters.
func (e *Engine) SetDataMIC(s session.Session, b []byte, counter uint32, tx TXParams) error {
	ks, err := getKeySet(s.Version)
	if err != nil {
		return err
	}

	if len(b) < frame.MICSize || len(b) > frame.MaxSize {
		return errors.Errorf("invalid frame size: %d", len(b))
	}
	n := len(b) - frame.MICSize

	b0 := block.NewB(0, 0, 0, block.Uplink, s.DevAddr, counter, uint8(n))
	mic, err := e.sm.MIC(ks.upMICF, b0[:], b[:n])
	if err != nil {
		return errors.Wrap(err, "calculate mic error")
	}

	if ks.splitMIC {
		b1 := block.NewB(0, tx.DataRate, tx.Channel, block.Uplink, s.DevAddr, counter, uint8(n))
		micS, err := e.sm.MIC(ks.upMICS, b1[:], b[:n])
		if err != nil {
			return errors.Wrap(err, "calculate mic error")
		}

		mic = mic<<16 | micS&0xffff
	}

	e.codec.UpdateMIC(b, mic)

	log.WithFields(log.Fields{
		"dev_addr":    s.DevAddr,
		"f_cnt":       counter,
		"mac_version": s.Version,
		"dr":          tx.DataRate,
		"channel":     tx.Channel,
	}).Debug("security: data mic set")

	return nil
}

// PrepareJoinRequest encodes and signs the given join-request.
func (e *Engine) PrepareJoinRequest(f frame.JoinRequest) ([]byte, error) {
	b, err := e.codec.EncodeJoinRequest(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode join-request error")
	}

	mic, err := e.sm.MIC(sm.Nwk, nil, b[:len(b)-frame.MICSize])
	if err != nil {
		return nil, errors.Wrap(err, "calculate mic error")
	}
	e.codec.UpdateMIC(b, mic)

	framePrepared("join_request").Inc()

	log.WithFields(log.Fields{
		"dev_eui":   f.DevEUI,
		"join_eui":  f.JoinEUI,
		"dev_nonce": f.DevNonce,
	}).Debug("security: join-request prepared")

	return b, nil
}

// optsBlock returns the A block for FOpts encryption.
func (e *Engine) optsBlock(dir block.Direction, devAddr lorawan.DevAddr, counter uint32, dataPresent bool) block.Block {
	if !e.conf.FOptsErrata {
		return block.NewA(0, dir, devAddr, counter, 0)
	}

	if dir == block.Uplink {
		return block.NewA(1, dir, devAddr, counter, 1)
	}

	if dataPresent {
		return block.NewA(2, dir, devAddr, counter, 0)
	}
	return block.NewA(1, dir, devAddr, counter, 0)
}
