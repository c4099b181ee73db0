package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gwbackend "github.com/brocaar/chirpstack-device-stack/internal/backend/gateway"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/amqp"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/gcppubsub"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/mqtt"
	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/chirpstack-device-stack/internal/device"
	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/framelog"
	"github.com/brocaar/chirpstack-device-stack/internal/monitoring"
	"github.com/brocaar/chirpstack-device-stack/internal/security"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
	"github.com/brocaar/chirpstack-device-stack/internal/sm/software"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

var (
	secureModule *software.Module
	engine       *security.Engine
	dev          *device.Device
)

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := []func() error{
		setLogLevel,
		setSyslog,
		setupBand,
		printStartMessage,
		setupMonitoring,
		setupStorage,
		setupSecureModule,
		setupEngine,
		setGatewayBackend,
		setupDevice(ctx),
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	uplinkConf, err := getUplinkConfig()
	if err != nil {
		log.Fatal(err)
	}

	exitChan := make(chan error, 1)
	go func() {
		exitChan <- dev.Run(ctx, uplinkConf)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received")
		log.Warning("stopping chirpstack-device")
		cancel()
		err = <-exitChan
	case err = <-exitChan:
	}

	if err != nil {
		return errors.Wrap(err, "run device error")
	}

	return gwbackend.Backend().Close()
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}

	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version":     version,
		"dev_eui":     config.C.Device.DevEUI,
		"mac_version": config.C.Device.MACVersion,
		"activation":  config.C.Device.Activation,
		"band":        config.C.Band.Name,
		"gateway_id":  config.C.Gateway.GatewayID,
	}).Info("starting ChirpStack Device")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupSecureModule() error {
	var err error
	secureModule, err = newSecureModule(config.C)
	return err
}

// newSecureModule returns the software secure module, provisioned with the
// configured (optionally wrapped) keys.
func newSecureModule(c config.Config) (*software.Module, error) {
	keks := make(map[string][]byte)
	for _, kek := range c.SecureModule.KEK.Set {
		b, err := hex.DecodeString(kek.KEK)
		if err != nil {
			return nil, errors.Wrapf(err, "decode kek %s error", kek.Label)
		}
		keks[kek.Label] = b
	}

	m := software.New(keks)

	for _, k := range c.SecureModule.Keys {
		id, err := sm.ParseKeyID(k.Name)
		if err != nil {
			return nil, err
		}

		b, err := hex.DecodeString(k.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "decode key %s error", k.Name)
		}

		if err := m.SetWrappedKey(id, k.KEKLabel, b); err != nil {
			return nil, errors.Wrapf(err, "set key %s error", k.Name)
		}
	}

	return m, nil
}

func setupEngine() error {
	var err error
	engine, err = newEngine(config.C, secureModule)
	return err
}

func newEngine(c config.Config, m sm.SecureModule) (*security.Engine, error) {
	joinNonceCheck, err := getJoinNonceCheck(c)
	if err != nil {
		return nil, err
	}

	return security.New(m, frame.NewCodec(), security.Config{
		FOptsErrata:    c.Security.FOptsErrata,
		JoinNonceCheck: joinNonceCheck,
	}), nil
}

// getJoinNonceCheck returns if the join nonce must be validated. In auto
// mode this depends on the device version, as networks implementing
// LoRaWAN 1.0.0 - 1.0.3 send a random AppNonce.
func getJoinNonceCheck(c config.Config) (bool, error) {
	switch c.Security.JoinNonceCheck {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto", "":
		return strings.HasPrefix(c.Device.MACVersion, "1.1") || strings.HasPrefix(c.Device.MACVersion, "1.0.4"), nil
	default:
		return false, fmt.Errorf("unexpected join_nonce_check: %s", c.Security.JoinNonceCheck)
	}
}

func setGatewayBackend() error {
	var err error
	var gw gwbackend.Gateway

	switch config.C.Gateway.Backend.Type {
	case "mqtt":
		gw, err = mqtt.NewBackend(config.C)
	case "amqp":
		gw, err = amqp.NewBackend(config.C)
	case "gcp_pub_sub":
		gw, err = gcppubsub.NewBackend(config.C)
	default:
		return fmt.Errorf("unexpected gateway backend type: %s", config.C.Gateway.Backend.Type)
	}

	if err != nil {
		return errors.Wrap(err, "gateway-backend setup failed")
	}

	gwbackend.SetBackend(gw)
	return nil
}

func setupDevice(ctx context.Context) func() error {
	return func() error {
		conf, err := getDeviceConfig(config.C)
		if err != nil {
			return err
		}

		dev, err = device.New(ctx, conf, secureModule, engine, storage.SessionStore{}, gwbackend.Backend(), band.Band())
		if err != nil {
			return errors.Wrap(err, "setup device error")
		}
		dev.SetFrameLogger(framelog.Logger{})
		return nil
	}
}

func getDeviceConfig(c config.Config) (device.Config, error) {
	macVersion, err := session.ParseMACVersion(c.Device.MACVersion)
	if err != nil {
		return device.Config{}, err
	}

	conf := device.Config{
		DevEUI:     c.Device.DevEUI,
		JoinEUI:    c.Device.JoinEUI,
		MACVersion: macVersion,
		DevAddr:    c.Device.ABP.DevAddr,
		GatewayID:  c.Gateway.GatewayID,
		DataRate:   c.Device.DataRate,
		Channel:    c.Device.Channel,
		RXTimeout:  c.Device.RXTimeout,
	}

	switch c.Device.Activation {
	case "otaa":
		conf.OTAA = true
	case "abp":
	default:
		return conf, fmt.Errorf("unexpected activation: %s", c.Device.Activation)
	}

	return conf, nil
}

func getUplinkConfig() (device.UplinkConfig, error) {
	payload, err := hex.DecodeString(config.C.Device.Uplink.Payload)
	if err != nil {
		return device.UplinkConfig{}, errors.Wrap(err, "decode uplink payload error")
	}

	return device.UplinkConfig{
		Interval:  config.C.Device.Uplink.Interval,
		Count:     config.C.Device.Uplink.Count,
		FPort:     config.C.Device.Uplink.FPort,
		Payload:   payload,
		Confirmed: config.C.Device.Uplink.Confirmed,
	}, nil
}
