// Package framelog publishes the frames exchanged by the device over Redis
// pub-sub, so that they can be followed from a separate process.
package framelog

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	deviceFrameLogUplinkPubSubKeyTempl   = "lora:dev:%s:pubsub:frame:uplink"
	deviceFrameLogDownlinkPubSubKeyTempl = "lora:dev:%s:pubsub:frame:downlink"
)

// FrameLog contains either an uplink or downlink frame.
type FrameLog struct {
	UplinkFrame   *gw.UplinkFrame
	DownlinkFrame *gw.DownlinkFrame
}

// Logger logs the device frames to Redis.
type Logger struct{}

// LogUplinkFrame logs the given uplink frame.
func (Logger) LogUplinkFrame(ctx context.Context, devEUI lorawan.EUI64, uf gw.UplinkFrame) error {
	return LogUplinkFrameForDevEUI(ctx, devEUI, uf)
}

// LogDownlinkFrame logs the given downlink frame.
func (Logger) LogDownlinkFrame(ctx context.Context, devEUI lorawan.EUI64, df gw.DownlinkFrame) error {
	return LogDownlinkFrameForDevEUI(ctx, devEUI, df)
}

// LogUplinkFrameForDevEUI logs the given frame to the uplink pub-sub key of
// the given DevEUI.
func LogUplinkFrameForDevEUI(ctx context.Context, devEUI lorawan.EUI64, uf gw.UplinkFrame) error {
	b, err := proto.Marshal(&uf)
	if err != nil {
		return errors.Wrap(err, "marshal uplink frame error")
	}

	key := storage.GetRedisKey(deviceFrameLogUplinkPubSubKeyTempl, devEUI)
	if err := storage.RedisClient().Publish(ctx, key, b).Err(); err != nil {
		return errors.Wrap(err, "publish frame to device channel error")
	}
	return nil
}

// LogDownlinkFrameForDevEUI logs the given frame to the downlink pub-sub
// key of the given DevEUI.
func LogDownlinkFrameForDevEUI(ctx context.Context, devEUI lorawan.EUI64, df gw.DownlinkFrame) error {
	b, err := proto.Marshal(&df)
	if err != nil {
		return errors.Wrap(err, "marshal downlink frame error")
	}

	key := storage.GetRedisKey(deviceFrameLogDownlinkPubSubKeyTempl, devEUI)
	if err := storage.RedisClient().Publish(ctx, key, b).Err(); err != nil {
		return errors.Wrap(err, "publish frame to device channel error")
	}
	return nil
}

// GetFrameLogForDevice subscribes to the uplink and downlink frame logs
// for the given device and sends these to the given channel. It blocks
// until the context is cancelled.
func GetFrameLogForDevice(ctx context.Context, devEUI lorawan.EUI64, frameLogChan chan FrameLog) error {
	uplinkKey := storage.GetRedisKey(deviceFrameLogUplinkPubSubKeyTempl, devEUI)
	downlinkKey := storage.GetRedisKey(deviceFrameLogDownlinkPubSubKeyTempl, devEUI)

	sub := storage.RedisClient().Subscribe(ctx, uplinkKey, downlinkKey)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe error")
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			fl, err := redisMessageToFrameLog(msg, uplinkKey, downlinkKey)
			if err != nil {
				return errors.Wrap(err, "decode message error")
			}
			frameLogChan <- fl
		}
	}
}

func redisMessageToFrameLog(msg *redis.Message, uplinkKey, downlinkKey string) (FrameLog, error) {
	var fl FrameLog

	switch msg.Channel {
	case uplinkKey:
		fl.UplinkFrame = &gw.UplinkFrame{}
		if err := proto.Unmarshal([]byte(msg.Payload), fl.UplinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal uplink frame error")
		}
	case downlinkKey:
		fl.DownlinkFrame = &gw.DownlinkFrame{}
		if err := proto.Unmarshal([]byte(msg.Payload), fl.DownlinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal downlink frame error")
		}
	}

	return fl, nil
}
