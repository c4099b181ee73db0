package security

import (
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
)

// keySet holds the keys used for each role by a given LoRaWAN version.
type keySet struct {
	version session.MACVersion

	upMICF   sm.KeyID
	upMICS   sm.KeyID
	splitMIC bool

	downMIC sm.KeyID

	opts        sm.KeyID
	encryptOpts bool

	nwkPayload sm.KeyID
	appPayload sm.KeyID
}

var (
	keySet10 = keySet{
		version:    session.LoRaWAN1_0,
		upMICF:     sm.FNwkSInt,
		downMIC:    sm.FNwkSInt,
		nwkPayload: sm.FNwkSInt,
		appPayload: sm.AppS,
	}

	keySet11 = keySet{
		version:     session.LoRaWAN1_1,
		upMICF:      sm.FNwkSInt,
		upMICS:      sm.SNwkSInt,
		splitMIC:    true,
		downMIC:     sm.SNwkSInt,
		opts:        sm.NwkSEnc,
		encryptOpts: true,
		nwkPayload:  sm.NwkSEnc,
		appPayload:  sm.AppS,
	}
)

func getKeySet(v session.MACVersion) (keySet, error) {
	switch v {
	case session.LoRaWAN1_0:
		return keySet10, nil
	case session.LoRaWAN1_1:
		return keySet11, nil
	default:
		return keySet{}, errors.Errorf("unsupported mac version: %s", v)
	}
}

// payload returns the key used for FRMPayload encryption.
func (k keySet) payload(fPort uint8) sm.KeyID {
	if fPort == 0 {
		return k.nwkPayload
	}
	return k.appPayload
}
