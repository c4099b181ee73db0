// Package gcppubsub implements a gateway backend using Google Cloud Pub/Sub,
// mirroring the Cloud IoT Core message attributes (deviceId, subFolder).
package gcppubsub

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-stack/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/lorawan"
)

const downlinkSubscriptionTmpl = "%s-%s"

// Backend implements a Google Cloud Pub/Sub backend.
type Backend struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	gatewayID lorawan.EUI64
	marshaler marshaler.Type

	client               *pubsub.Client
	uplinkTopic          *pubsub.Topic
	downlinkSubscription *pubsub.Subscription

	downlinkFrameChan chan gw.DownlinkFrame
}

// NewBackend creates a new Backend for the configured gateway ID.
func NewBackend(c config.Config) (*Backend, error) {
	conf := c.Gateway.Backend.GCPPubSub

	b := Backend{
		gatewayID:         c.Gateway.GatewayID,
		downlinkFrameChan: make(chan gw.DownlinkFrame, 10),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	var err error
	var o []option.ClientOption

	b.marshaler, err = marshaler.ParseType(conf.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/gcp_pub_sub: parse marshaler error")
	}

	if conf.CredentialsFile != "" {
		o = append(o, option.WithCredentialsFile(conf.CredentialsFile))
	}

	log.Info("gateway/gcp_pub_sub: setting up client")
	b.client, err = pubsub.NewClient(b.ctx, conf.ProjectID, o...)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/gcp_pub_sub: new pubsub client error")
	}

	log.WithField("topic", conf.UplinkTopicName).Info("gateway/gcp_pub_sub: setup uplink topic")
	b.uplinkTopic = b.client.Topic(conf.UplinkTopicName)
	ok, err := b.uplinkTopic.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/gcp_pub_sub: topic exists error")
	}
	if !ok {
		return nil, fmt.Errorf("gateway/gcp_pub_sub: uplink topic '%s' does not exist", conf.UplinkTopicName)
	}

	log.WithField("topic", conf.DownlinkTopicName).Info("gateway/gcp_pub_sub: setup downlink topic")
	downlinkTopic := b.client.Topic(conf.DownlinkTopicName)
	ok, err = downlinkTopic.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/gcp_pub_sub: topic exists error")
	}
	if !ok {
		return nil, fmt.Errorf("gateway/gcp_pub_sub: downlink topic '%s' does not exist", conf.DownlinkTopicName)
	}

	subName := fmt.Sprintf(downlinkSubscriptionTmpl, conf.DownlinkTopicName, deviceID(b.gatewayID))

	log.WithField("subscription", subName).Info("gateway/gcp_pub_sub: check if downlink subscription exists")
	b.downlinkSubscription = b.client.Subscription(subName)
	ok, err = b.downlinkSubscription.Exists(b.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/gcp_pub_sub: subscription exists error")
	}

	if !ok {
		log.WithField("subscription", subName).Info("gateway/gcp_pub_sub: create downlink subscription")
		b.downlinkSubscription, err = b.client.CreateSubscription(b.ctx, subName, pubsub.SubscriptionConfig{
			Topic:             downlinkTopic,
			RetentionDuration: conf.DownlinkRetentionDuration,
			Filter:            fmt.Sprintf(`attributes.deviceId = "%s"`, deviceID(b.gatewayID)),
		})
		if err != nil {
			return nil, errors.Wrap(err, "gateway/gcp_pub_sub: create subscription error")
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for {
			err := b.downlinkSubscription.Receive(b.ctx, b.receiveFunc)
			if err != nil && b.ctx.Err() == nil {
				log.WithError(err).Error("gateway/gcp_pub_sub: receive error")
				time.Sleep(time.Second * 2)
				continue
			}

			break
		}
	}()

	return &b, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("gateway/gcp_pub_sub: closing backend")
	b.cancel()
	b.wg.Wait()
	close(b.downlinkFrameChan)
	b.uplinkTopic.Stop()
	return b.client.Close()
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// SendUplinkFrame publishes the given uplink frame.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "gateway/gcp_pub_sub: marshal uplink frame error")
	}

	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given downlink tx acknowledgement.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "gateway/gcp_pub_sub: marshal downlink tx ack error")
	}

	return b.publishEvent("ack", bb)
}

func (b *Backend) publishEvent(event string, data []byte) error {
	start := time.Now()

	res := b.uplinkTopic.Publish(b.ctx, &pubsub.Message{
		Data:       data,
		Attributes: eventAttributes(b.gatewayID, event),
	})
	if _, err := res.Get(b.ctx); err != nil {
		return errors.Wrap(err, "gateway/gcp_pub_sub: get publish result error")
	}

	log.WithFields(log.Fields{
		"duration":   time.Since(start),
		"gateway_id": b.gatewayID,
		"event":      event,
	}).Info("gateway/gcp_pub_sub: event published")

	gcpEventCounter(event).Inc()

	return nil
}

func (b *Backend) receiveFunc(ctx context.Context, msg *pubsub.Message) {
	msg.Ack()

	if err := b.handleMessage(msg.Attributes, msg.Data); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"gateway_id":  b.gatewayID,
			"attributes":  msg.Attributes,
			"data_base64": base64.StdEncoding.EncodeToString(msg.Data),
		}).Error("gateway/gcp_pub_sub: handle received message error")
	}
}

func (b *Backend) handleMessage(attr map[string]string, data []byte) error {
	if id, ok := attr["deviceId"]; !ok || id != deviceID(b.gatewayID) {
		return fmt.Errorf("unexpected deviceId attribute: '%s'", id)
	}

	typ, ok := attr["subFolder"]
	if !ok {
		return errors.New("message does not contain 'subFolder' attribute")
	}

	if typ != "down" {
		log.WithFields(log.Fields{
			"gateway_id": b.gatewayID,
			"type":       typ,
		}).Warning("gateway/gcp_pub_sub: unexpected message type")
		return nil
	}

	var downlinkFrame gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(data, &downlinkFrame); err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	var gatewayID lorawan.EUI64
	copy(gatewayID[:], downlinkFrame.GatewayId)
	if gatewayID != b.gatewayID {
		return errors.New("gateway_id is not equal to expected gateway_id")
	}

	log.WithFields(log.Fields{
		"gateway_id": gatewayID,
		"token":      downlinkFrame.Token,
	}).Info("gateway/gcp_pub_sub: downlink frame received")
	gcpCommandCounter("down").Inc()

	b.downlinkFrameChan <- downlinkFrame

	return nil
}

func deviceID(gatewayID lorawan.EUI64) string {
	return "gw-" + gatewayID.String()
}

func eventAttributes(gatewayID lorawan.EUI64, event string) map[string]string {
	return map[string]string{
		"deviceId":  deviceID(gatewayID),
		"subFolder": event,
	}
}
