// Package amqp implements a gateway backend using the AMQP / RabbitMQ
// topic exchange, as used by the ChirpStack Gateway Bridge AMQP integration.
package amqp

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/lorawan"
)

const exchange = "amq.topic"

var gatewayIDRegexp = regexp.MustCompile(`([0-9a-fA-F]{16})`)

// Backend implements an AMQP backend.
type Backend struct {
	wg sync.WaitGroup

	chPool    *pool
	gatewayID lorawan.EUI64
	marshaler marshaler.Type

	eventRoutingKeyTemplate *template.Template
	commandRoutingKey       string
	commandQueueName        string

	downlinkFrameChan chan gw.DownlinkFrame
}

// NewBackend creates a new Backend for the configured gateway ID.
func NewBackend(c config.Config) (*Backend, error) {
	conf := c.Gateway.Backend.AMQP

	b := Backend{
		gatewayID:         c.Gateway.GatewayID,
		commandQueueName:  conf.CommandQueueName,
		downlinkFrameChan: make(chan gw.DownlinkFrame, 10),
	}

	var err error

	b.marshaler, err = marshaler.ParseType(conf.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: parse marshaler error")
	}

	b.eventRoutingKeyTemplate, err = template.New("event").Parse(conf.EventRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: parse event routing-key template error")
	}

	commandTemplate, err := template.New("command").Parse(conf.CommandRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: parse command routing-key template error")
	}
	key := bytes.NewBuffer(nil)
	if err := commandTemplate.Execute(key, struct {
		GatewayID   lorawan.EUI64
		CommandType string
	}{b.gatewayID, "down"}); err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: execute command routing-key template error")
	}
	b.commandRoutingKey = key.String()

	if b.commandQueueName == "" {
		b.commandQueueName = "gateway-" + b.gatewayID.String() + "-commands"
	}

	log.Info("gateway/amqp: connecting to AMQP server")
	b.chPool, err = newPool(10, conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: new amqp channel pool error")
	}

	if err := b.setupQueue(); err != nil {
		b.chPool.close()
		return nil, errors.Wrap(err, "gateway/amqp: setup queue error")
	}

	b.wg.Add(1)
	go b.commandLoop()

	return &b, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("gateway/amqp: closing backend")

	err := b.chPool.close()
	b.wg.Wait()
	close(b.downlinkFrameChan)

	return err
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// SendUplinkFrame publishes the given uplink frame.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "gateway/amqp: marshal uplink frame error")
	}

	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given downlink tx acknowledgement.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "gateway/amqp: marshal downlink tx ack error")
	}

	return b.publishEvent("ack", bb)
}

func (b *Backend) publishEvent(event string, data []byte) error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "gateway/amqp: get amqp channel from pool error")
	}
	defer ch.close()

	key := bytes.NewBuffer(nil)
	if err := b.eventRoutingKeyTemplate.Execute(key, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, event}); err != nil {
		return errors.Wrap(err, "gateway/amqp: execute event routing-key template error")
	}

	log.WithFields(log.Fields{
		"routing_key": key.String(),
		"event":       event,
	}).Info("gateway/amqp: publishing gateway event")
	amqpEventCounter(event).Inc()

	err = ch.ch.Publish(
		exchange,
		key.String(),
		false,
		false,
		amqp.Publishing{
			ContentType: contentType(b.marshaler),
			Body:        data,
		},
	)
	if err != nil {
		ch.markUnusable()
		return errors.Wrap(err, "gateway/amqp: publish event error")
	}

	return nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.chPool.get()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}
	defer ch.close()

	_, err = ch.ch.QueueDeclare(
		b.commandQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.ch.QueueBind(
		b.commandQueueName,
		b.commandRoutingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) commandLoop() {
	defer b.wg.Done()

	for {
		err := func() error {
			ch, err := b.chPool.get()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}
			defer ch.close()

			log.WithField("queue", b.commandQueueName).Info("gateway/amqp: start consuming gateway commands")

			msgs, err := ch.ch.Consume(
				b.commandQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				ch.markUnusable()
				return errors.Wrap(err, "register consumer error")
			}

			for msg := range msgs {
				if err := b.handleCommand(msg.RoutingKey, msg.Body); err != nil {
					log.WithError(err).WithFields(log.Fields{
						"routing_key": msg.RoutingKey,
						"data_base64": base64.StdEncoding.EncodeToString(msg.Body),
					}).Error("gateway/amqp: handle command error")
				}
			}

			// the deliveries channel is closed together with the channel
			ch.markUnusable()
			return nil
		}()
		if err != nil {
			if errors.Cause(err) == errClosed {
				return
			}

			log.WithError(err).Error("gateway/amqp: command loop error")
			time.Sleep(time.Second)
		}
	}
}

func (b *Backend) handleCommand(routingKey string, data []byte) error {
	routing := strings.Split(routingKey, ".")
	typ := routing[len(routing)-1]

	if typ != "down" {
		log.WithFields(log.Fields{
			"routing_key": routingKey,
			"type":        typ,
		}).Warning("gateway/amqp: unexpected command type")
		return nil
	}

	var downlinkFrame gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(data, &downlinkFrame); err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	var gatewayID lorawan.EUI64
	copy(gatewayID[:], downlinkFrame.GatewayId)
	if err := validateGatewayID(routingKey, gatewayID); err != nil {
		return errors.Wrap(err, "validate gateway ID error")
	}
	if gatewayID != b.gatewayID {
		return errors.New("downlink frame is not for this gateway")
	}

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"token":      downlinkFrame.Token,
	}).Info("gateway/amqp: downlink frame received")
	amqpCommandCounter("down").Inc()

	b.downlinkFrameChan <- downlinkFrame

	return nil
}

func contentType(t marshaler.Type) string {
	if t == marshaler.JSON {
		return "application/json"
	}
	return "application/octet-stream"
}

func validateGatewayID(routingKey string, gatewayID lorawan.EUI64) error {
	idStr := gatewayIDRegexp.FindString(routingKey)

	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(idStr)); err != nil {
		return errors.Wrap(err, "unmarshal gateway id error")
	}

	if gatewayID != id {
		return errors.New("message gateway ID does not match routing-key gateway ID")
	}

	return nil
}
