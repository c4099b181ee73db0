// Package test contains the test doubles and helpers shared by the package
// tests.
package test

import (
	"context"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/lorawan/band"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// GetConfig returns the test configuration. Redis, MQTT and AMQP are only
// configured when TEST_REDIS_URL, TEST_MQTT_SERVER and TEST_AMQP_URL are set.
func GetConfig() config.Config {
	log.SetLevel(log.FatalLevel)

	var c config.Config
	c.Band.Name = band.EU868

	c.Redis.Servers = []string{os.Getenv("TEST_REDIS_URL")}
	c.Redis.KeyPrefix = "test:"

	c.Device.MACVersion = "1.1.0"
	c.Device.Activation = "otaa"
	c.Device.DataRate = 5
	c.Device.RXTimeout = time.Second
	c.Security.JoinNonceCheck = "auto"

	c.Gateway.Backend.Type = "mqtt"
	c.Gateway.Backend.MQTT.Server = os.Getenv("TEST_MQTT_SERVER")
	c.Gateway.Backend.MQTT.Username = os.Getenv("TEST_MQTT_USERNAME")
	c.Gateway.Backend.MQTT.Password = os.Getenv("TEST_MQTT_PASSWORD")
	c.Gateway.Backend.MQTT.CleanSession = true
	c.Gateway.Backend.MQTT.Marshaler = "protobuf"
	c.Gateway.Backend.MQTT.EventTopicTemplate = "gateway/{{ .GatewayID }}/event/{{ .EventType }}"
	c.Gateway.Backend.MQTT.CommandTopicTemplate = "gateway/{{ .GatewayID }}/command/{{ .CommandType }}"

	c.Gateway.Backend.AMQP.URL = os.Getenv("TEST_AMQP_URL")
	c.Gateway.Backend.AMQP.Marshaler = "protobuf"
	c.Gateway.Backend.AMQP.EventRoutingKeyTemplate = "gateway.{{ .GatewayID }}.event.{{ .EventType }}"
	c.Gateway.Backend.AMQP.CommandRoutingKeyTemplate = "gateway.{{ .GatewayID }}.command.{{ .CommandType }}"
	c.Gateway.Backend.AMQP.CommandQueueName = "test-device-commands"

	return c
}

// MustFlushRedis flushes the Redis storage.
func MustFlushRedis(c redis.UniversalClient) {
	if err := c.FlushAll(context.Background()).Err(); err != nil {
		log.Fatal(err)
	}
}
