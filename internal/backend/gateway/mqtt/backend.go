// Package mqtt implements a gateway backend publishing and subscribing to
// the ChirpStack Gateway Bridge MQTT topics.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"io/ioutil"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/lorawan"
)

// Backend implements a MQTT pub-sub backend.
type Backend struct {
	wg sync.WaitGroup

	gatewayID lorawan.EUI64
	qos       uint8
	marshaler marshaler.Type

	conn              paho.Client
	downlinkFrameChan chan gw.DownlinkFrame

	eventTopicTemplate *template.Template
	commandTopic       string
}

// NewBackend creates a new Backend for the configured gateway ID.
func NewBackend(c config.Config) (*Backend, error) {
	conf := c.Gateway.Backend.MQTT

	b := Backend{
		gatewayID:         c.Gateway.GatewayID,
		qos:               conf.QOS,
		downlinkFrameChan: make(chan gw.DownlinkFrame, 10),
	}

	var err error

	b.marshaler, err = marshaler.ParseType(conf.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse marshaler error")
	}

	b.eventTopicTemplate, err = template.New("event").Parse(conf.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse event-topic template error")
	}

	commandTopicTemplate, err := template.New("command").Parse(conf.CommandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse command-topic template error")
	}
	topic := bytes.NewBuffer(nil)
	if err := commandTopicTemplate.Execute(topic, struct {
		GatewayID   lorawan.EUI64
		CommandType string
	}{b.gatewayID, "down"}); err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: execute command-topic template error")
	}
	b.commandTopic = topic.String()

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	tlsconfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: load tls config error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("gateway/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).Error("gateway/mqtt: connecting to mqtt broker failed, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("gateway/mqtt: closing backend")

	log.WithField("topic", b.commandTopic).Info("gateway/mqtt: unsubscribing from command topic")
	if token := b.conn.Unsubscribe(b.commandTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "gateway/mqtt: unsubscribe from %s error", b.commandTopic)
	}

	log.Info("gateway/mqtt: handling last messages")
	b.wg.Wait()
	close(b.downlinkFrameChan)
	b.conn.Disconnect(250)

	return nil
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// SendUplinkFrame publishes the given uplink frame.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "gateway/mqtt: marshal uplink frame error")
	}

	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given downlink tx acknowledgement.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "gateway/mqtt: marshal downlink tx ack error")
	}

	return b.publishEvent("ack", bb)
}

func (b *Backend) publishEvent(event string, bb []byte) error {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTopicTemplate.Execute(topic, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, event}); err != nil {
		return errors.Wrap(err, "gateway/mqtt: execute event-topic template error")
	}

	log.WithFields(log.Fields{
		"topic": topic.String(),
		"qos":   b.qos,
		"event": event,
	}).Info("gateway/mqtt: publishing gateway event")
	mqttEventCounter(event).Inc()

	if token := b.conn.Publish(topic.String(), b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "gateway/mqtt: publish gateway event error")
	}

	return nil
}

func (b *Backend) downlinkFrameHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	var downlinkFrame gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(msg.Payload(), &downlinkFrame); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("gateway/mqtt: unmarshal downlink frame error")
		return
	}

	log.WithFields(log.Fields{
		"gateway_id": b.gatewayID,
		"token":      downlinkFrame.Token,
	}).Info("gateway/mqtt: downlink frame received")
	mqttCommandCounter("down").Inc()

	b.downlinkFrameChan <- downlinkFrame
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("gateway/mqtt: connected to mqtt server")

	for {
		log.WithFields(log.Fields{
			"topic": b.commandTopic,
			"qos":   b.qos,
		}).Info("gateway/mqtt: subscribing to command topic")
		if token := b.conn.Subscribe(b.commandTopic, b.qos, b.downlinkFrameHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.commandTopic,
				"qos":   b.qos,
			}).WithError(token.Error()).Error("gateway/mqtt: subscribe error")
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.WithError(reason).Error("gateway/mqtt: mqtt connection error")
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	// Import trusted certificates from CAfile.pem.
	if cafile != "" {
		cacert, err := ioutil.ReadFile(cafile)
		if err != nil {
			return nil, errors.Wrap(err, "load ca certificate error")
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(cacert)

		tlsConfig.RootCAs = certpool // RootCAs = certs used to verify server cert.
	}

	// Import certificate and the key
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key-pair error")
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
