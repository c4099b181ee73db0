package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/chirpstack-device-stack/internal/framelog"
)

var frameLogCmd = &cobra.Command{
	Use:   "framelog",
	Short: "Print the frames exchanged by the configured device (as JSON)",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range []func() error{setLogLevel, setupStorage} {
			if err := t(); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		frameLogChan := make(chan framelog.FrameLog)
		go func() {
			for fl := range frameLogChan {
				if err := printFrameLog(fl); err != nil {
					log.WithError(err).Error("print frame-log error")
				}
			}
		}()

		if err := framelog.GetFrameLogForDevice(ctx, config.C.Device.DevEUI, frameLogChan); err != nil {
			return errors.Wrap(err, "get frame-log error")
		}
		return nil
	},
}

func printFrameLog(fl framelog.FrameLog) error {
	var b []byte
	var err error

	switch {
	case fl.UplinkFrame != nil:
		b, err = marshaler.MarshalUplinkFrame(marshaler.JSON, *fl.UplinkFrame)
	case fl.DownlinkFrame != nil:
		b, err = marshaler.MarshalDownlinkFrame(marshaler.JSON, *fl.DownlinkFrame)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}
