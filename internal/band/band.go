// Package band resolves the data-rate and channel of the simulated device
// against the configured LoRaWAN region.
package band

import (
	"fmt"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

const defaultCodeRate = "4/5"

var band loraband.Band

// Setup sets up the band with the given configuration.
func Setup(c config.Config) error {
	dwellTime := lorawan.DwellTimeNoLimit
	if c.Band.DwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	bandConfig, err := loraband.GetConfig(c.Band.Name, c.Band.RepeaterCompatible, dwellTime)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}
	band = bandConfig

	return nil
}

// Band returns the configured band.
func Band() loraband.Band {
	return band
}

// UplinkTXInfo returns the TX meta-data for an uplink transmitted using
// the given data-rate and uplink channel index.
func UplinkTXInfo(b loraband.Band, dr, channel int) (*gw.UplinkTXInfo, error) {
	ch, err := b.GetUplinkChannel(channel)
	if err != nil {
		return nil, errors.Wrap(err, "get uplink channel error")
	}

	if dr < ch.MinDR || dr > ch.MaxDR {
		return nil, fmt.Errorf("data-rate %d is not allowed on channel %d", dr, channel)
	}

	dataRate, err := b.GetDataRate(dr)
	if err != nil {
		return nil, errors.Wrap(err, "get data-rate error")
	}

	txInfo := gw.UplinkTXInfo{
		Frequency: uint32(ch.Frequency),
	}

	switch dataRate.Modulation {
	case loraband.LoRaModulation:
		txInfo.Modulation = common.Modulation_LORA
		txInfo.ModulationInfo = &gw.UplinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				SpreadingFactor: uint32(dataRate.SpreadFactor),
				Bandwidth:       uint32(dataRate.Bandwidth),
				CodeRate:        defaultCodeRate,
			},
		}
	case loraband.FSKModulation:
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.UplinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Bitrate:   uint32(dataRate.BitRate),
				Bandwidth: uint32(dataRate.Bandwidth),
			},
		}
	default:
		return nil, fmt.Errorf("unknown modulation: %s", dataRate.Modulation)
	}

	return &txInfo, nil
}
