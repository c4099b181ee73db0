// Package keys implements the session and join-session key derivation. The
// derivation itself is performed by the secure module, this package builds
// the IVs and selects the root keys.
package keys

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
	"github.com/brocaar/lorawan"
)

type derivation struct {
	dst  sm.KeyID
	root sm.KeyID
	disc uint8
}

var sessionKeys10 = []derivation{
	{sm.AppS, sm.Nwk, block.KeyAppS},
	{sm.FNwkSInt, sm.Nwk, block.KeyFNwkSInt},
	{sm.SNwkSInt, sm.Nwk, block.KeyFNwkSInt},
	{sm.NwkSEnc, sm.Nwk, block.KeyFNwkSInt},
}

var sessionKeys11 = []derivation{
	{sm.FNwkSInt, sm.Nwk, block.KeyFNwkSInt},
	{sm.AppS, sm.App, block.KeyAppS},
	{sm.SNwkSInt, sm.Nwk, block.KeySNwkSInt},
	{sm.NwkSEnc, sm.Nwk, block.KeyNwkSEnc},
}

var joinKeys = []derivation{
	{sm.JSEnc, sm.Nwk, block.KeyJSEnc},
	{sm.JSInt, sm.Nwk, block.KeyJSInt},
}

// DeriveSessionKeys derives all session keys for the given session.
//
// For LoRaWAN 1.0 all network session keys are equal to the NwkSKey and
// every key is derived from the NwkKey (the 1.0 AppKey). For LoRaWAN 1.1 the
// AppSKey is derived from the AppKey and the IV contains the JoinEUI instead
// of the NetID.
func DeriveSessionKeys(m sm.SecureModule, s session.Session) error {
	var derivations []derivation
	var iv func(disc uint8) block.Block

	switch s.Version {
	case session.LoRaWAN1_0:
		derivations = sessionKeys10
		iv = func(disc uint8) block.Block {
			return block.NewSessionKeyIV(disc, s.JoinNonce, s.NetID, s.DevNonce)
		}
	case session.LoRaWAN1_1:
		derivations = sessionKeys11
		iv = func(disc uint8) block.Block {
			return block.NewSessionKeyIV11(disc, s.JoinNonce, s.JoinEUI, s.DevNonce)
		}
	default:
		return errors.Errorf("unsupported mac version: %s", s.Version)
	}

	for _, d := range derivations {
		if err := m.UpdateSessionKey(d.dst, d.root, iv(d.disc)); err != nil {
			return errors.Wrapf(err, "derive %s error", d.dst)
		}
	}

	log.WithFields(log.Fields{
		"dev_eui":     s.DevEUI,
		"mac_version": s.Version,
		"join_nonce":  s.JoinNonce,
		"dev_nonce":   s.DevNonce,
	}).Debug("keys: session keys derived")

	return nil
}

// DeriveJoinKeys derives the JSEncKey and JSIntKey (LoRaWAN 1.1) used to
// protect rejoin exchanges and key-negotiated join-accepts.
func DeriveJoinKeys(m sm.SecureModule, devEUI lorawan.EUI64) error {
	for _, d := range joinKeys {
		if err := m.UpdateSessionKey(d.dst, d.root, block.NewJoinKeyIV(d.disc, devEUI)); err != nil {
			return errors.Wrapf(err, "derive %s error", d.dst)
		}
	}

	log.WithField("dev_eui", devEUI).Debug("keys: join keys derived")

	return nil
}
