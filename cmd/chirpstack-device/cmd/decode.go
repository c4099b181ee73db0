package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/keys"
	"github.com/brocaar/chirpstack-device-stack/internal/security"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

var decodeJoinAccept bool

var decodeCmd = &cobra.Command{
	Use:   "decode [hex PHYPayload]",
	Short: "Authenticate and decrypt a downlink using the stored device-session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := hex.DecodeString(args[0])
		if err != nil {
			return errors.Wrap(err, "decode hex error")
		}

		for _, t := range []func() error{setLogLevel, setupStorage, setupSecureModule, setupEngine} {
			if err := t(); err != nil {
				return err
			}
		}

		d, err := decodeDownlink(context.Background(), config.C, b, decodeJoinAccept)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(d, "", "    ")
		if err != nil {
			return errors.Wrap(err, "marshal json error")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJoinAccept, "join", false, "decode the payload as join-accept")
}

func decodeDownlink(ctx context.Context, c config.Config, b []byte, joinAccept bool) (frame.Down, error) {
	s, err := storage.GetSession(ctx, c.Device.DevEUI)
	if err != nil {
		return frame.Down{}, errors.Wrap(err, "get session error")
	}

	op := security.OpDataUnconfirmed
	if joinAccept {
		op = security.OpJoining
		if s.Version == session.LoRaWAN1_1 {
			if err := keys.DeriveJoinKeys(secureModule, s.DevEUI); err != nil {
				return frame.Down{}, errors.Wrap(err, "derive join keys error")
			}
		}
	} else if c.Device.Activation == "otaa" {
		if err := keys.DeriveSessionKeys(secureModule, s); err != nil {
			return frame.Down{}, errors.Wrap(err, "derive session keys error")
		}
	}

	d, err := engine.ReceiveFrame(s, op, b)
	if err != nil {
		return frame.Down{}, err
	}

	log.WithFields(log.Fields{
		"dev_eui": s.DevEUI,
		"mtype":   d.MType,
	}).Debug("downlink decoded")

	return d, nil
}
