package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}

# Log to syslog.
#
# When set to true, log messages are being written to syslog.
log_to_syslog={{ .General.LogToSyslog }}


# Device settings.
[device]
# Device EUI (HEX encoded).
dev_eui="{{ .Device.DevEUIString }}"

# Join EUI (HEX encoded).
#
# Only used for OTAA.
join_eui="{{ .Device.JoinEUIString }}"

# LoRaWAN MAC version.
#
# Valid options are: 1.0.0 - 1.0.4 and 1.1.0. All 1.0.x versions share the
# same security scheme.
mac_version="{{ .Device.MACVersion }}"

# Activation.
#
# Valid options are: otaa, abp.
activation="{{ .Device.Activation }}"

# Device-session TTL.
#
# This defines the time after which the stored device-session expires
# after no activity.
session_ttl="{{ .Device.SessionTTL }}"

# Uplink data-rate.
data_rate={{ .Device.DataRate }}

# Uplink channel index.
channel={{ .Device.Channel }}

# Time to wait for a downlink after each uplink (this covers both
# receive windows).
rx_timeout="{{ .Device.RXTimeout }}"

  # ABP settings.
  [device.abp]
  # Device address (HEX encoded).
  dev_addr="{{ .Device.ABP.DevAddrString }}"

  # Uplink settings.
  [device.uplink]
  # Interval between uplinks.
  interval="{{ .Device.Uplink.Interval }}"

  # Number of uplinks to send (0 = no limit).
  count={{ .Device.Uplink.Count }}

  # FPort.
  f_port={{ .Device.Uplink.FPort }}

  # Payload (HEX encoded).
  payload="{{ .Device.Uplink.Payload }}"

  # Send confirmed uplinks.
  confirmed={{ .Device.Uplink.Confirmed }}


# Secure module settings.
#
# The keys never leave the secure module. Keys can be provisioned in plain
# (kek_label empty) or as RFC 3394 wrapped keys.
[secure_module]
  # Key encryption keys (KEKs).
  #
  # Example:
  # [[secure_module.kek.set]]
  # label="kek-1"
  # kek="000102030405060708090a0b0c0d0e0f"
{{ range $index, $element := .SecureModule.KEK.Set }}
  [[secure_module.kek.set]]
  label="{{ $element.Label }}"
  kek="{{ $element.KEK }}"
{{ end }}

  # Root and session keys.
  #
  # Valid names are: NwkKey, AppKey (OTAA) or FNwkSIntKey, SNwkSIntKey,
  # NwkSEncKey, AppSKey (ABP). LoRaWAN 1.0 devices have a single root key
  # which must be provisioned as NwkKey. LoRaWAN 1.0 ABP devices use
  # FNwkSIntKey as NwkSKey.
  #
  # Example:
  # [[secure_module.keys]]
  # name="NwkKey"
  # key="000102030405060708090a0b0c0d0e0f"
  # kek_label=""
{{ range $index, $element := .SecureModule.Keys }}
  [[secure_module.keys]]
  name="{{ $element.Name }}"
  key="{{ $element.Key }}"
  kek_label="{{ $element.KEKLabel }}"
{{ end }}


# Security settings.
[security]
# Encrypt FOpts using the LoRaWAN 1.1 errata scheme.
#
# When enabled, FOpts are encrypted with an A block holding 0x01 (uplink /
# downlink without FRMPayload) or 0x02 (downlink with FRMPayload) in the
# free counter field.
fopts_errata={{ .Security.FOptsErrata }}

# Reject join-accepts re-using a join nonce.
#
# Valid options are:
#  * auto    enabled for LoRaWAN 1.1 and 1.0.4 devices
#  * always  always enabled
#  * never   always disabled
#
# LoRaWAN 1.0.0 - 1.0.3 networks send a random AppNonce, with the check
# enabled such a network is rejected on re-join about half of the time.
join_nonce_check="{{ .Security.JoinNonceCheck }}"


# Redis settings
#
# Redis is used to persist the device-session.
[redis]
# Server address or addresses.
#
# Set multiple addresses when connecting to a cluster.
servers=[{{ range $index, $element := .Redis.Servers }}{{ if $index }}, {{ end }}"{{ $element }}"{{ end }}]

# Password.
password="{{ .Redis.Password }}"

# Database index.
database={{ .Redis.Database }}

# Redis Cluster.
cluster={{ .Redis.Cluster }}

# Master name.
#
# Set the master name when the servers are Redis Sentinel instances.
master_name="{{ .Redis.MasterName }}"

# Connection pool size.
pool_size={{ .Redis.PoolSize }}

# TLS enabled.
tls_enabled={{ .Redis.TLSEnabled }}

# Key prefix.
key_prefix="{{ .Redis.KeyPrefix }}"


# Band configuration.
[band]
# LoRaWAN band to use.
#
# Valid values are:
# * AS923
# * AU915
# * CN470
# * CN779
# * EU433
# * EU868
# * IN865
# * KR920
# * RU864
# * US915
name="{{ .Band.Name }}"

# Enforce 400ms dwell time.
dwell_time_400ms={{ .Band.DwellTime400ms }}

# Enforce repeater compatibility.
repeater_compatible={{ .Band.RepeaterCompatible }}


# Gateway settings.
[gateway]
# Gateway ID (HEX encoded) of the virtual gateway.
gateway_id="{{ .Gateway.GatewayIDString }}"

  # Backend defines the gateway backend settings.
  [gateway.backend]
  # Backend type.
  #
  # Valid options are:
  # * mqtt
  # * amqp
  # * gcp_pub_sub
  type="{{ .Gateway.Backend.Type }}"

    # MQTT gateway backend settings.
    [gateway.backend.mqtt]
    # Event topic template.
    event_topic_template="{{ .Gateway.Backend.MQTT.EventTopicTemplate }}"

    # Command topic template.
    command_topic_template="{{ .Gateway.Backend.MQTT.CommandTopicTemplate }}"

    # Payload marshaler.
    #
    # Valid options are: protobuf, json.
    marshaler="{{ .Gateway.Backend.MQTT.Marshaler }}"

    # MQTT server (e.g. scheme://host:port where scheme is tcp, ssl or ws)
    server="{{ .Gateway.Backend.MQTT.Server }}"

    # Connect with the given username (optional)
    username="{{ .Gateway.Backend.MQTT.Username }}"

    # Connect with the given password (optional)
    password="{{ .Gateway.Backend.MQTT.Password }}"

    # Maximum interval that will be waited between reconnection attempts when connection is lost.
    max_reconnect_interval="{{ .Gateway.Backend.MQTT.MaxReconnectInterval }}"

    # Quality of service level
    #
    # 0: at most once
    # 1: at least once
    # 2: exactly once
    qos={{ .Gateway.Backend.MQTT.QOS }}

    # Clean session
    clean_session={{ .Gateway.Backend.MQTT.CleanSession }}

    # Client ID
    client_id="{{ .Gateway.Backend.MQTT.ClientID }}"

    # CA certificate file (optional)
    ca_cert="{{ .Gateway.Backend.MQTT.CACert }}"

    # TLS certificate file (optional)
    tls_cert="{{ .Gateway.Backend.MQTT.TLSCert }}"

    # TLS key file (optional)
    tls_key="{{ .Gateway.Backend.MQTT.TLSKey }}"

    # AMQP / RabbitMQ gateway backend settings.
    #
    # Events are published to and commands are consumed from the
    # amq.topic exchange.
    [gateway.backend.amqp]
    # Server URL.
    url="{{ .Gateway.Backend.AMQP.URL }}"

    # Payload marshaler.
    #
    # Valid options are: protobuf, json.
    marshaler="{{ .Gateway.Backend.AMQP.Marshaler }}"

    # Event routing-key template.
    event_routing_key_template="{{ .Gateway.Backend.AMQP.EventRoutingKeyTemplate }}"

    # Command routing-key template.
    command_routing_key_template="{{ .Gateway.Backend.AMQP.CommandRoutingKeyTemplate }}"

    # Command queue name.
    #
    # When left blank, gateway-GATEWAYID-commands will be used.
    command_queue_name="{{ .Gateway.Backend.AMQP.CommandQueueName }}"


    # Google Cloud Pub/Sub backend settings.
    [gateway.backend.gcp_pub_sub]
    # Path to the IAM service-account credentials file.
    #
    # Note: this service-account must have the following Pub/Sub roles:
    #  * Pub/Sub Editor
    credentials_file="{{ .Gateway.Backend.GCPPubSub.CredentialsFile }}"

    # Google Cloud project id.
    project_id="{{ .Gateway.Backend.GCPPubSub.ProjectID }}"

    # Uplink Pub/Sub topic name (to which gateway events are published).
    uplink_topic_name="{{ .Gateway.Backend.GCPPubSub.UplinkTopicName }}"

    # Downlink Pub/Sub topic name (from which gateway commands are received).
    downlink_topic_name="{{ .Gateway.Backend.GCPPubSub.DownlinkTopicName }}"

    # Downlink retention duration.
    #
    # The retention duration of the downlink subscription created for this
    # gateway.
    downlink_retention_duration="{{ .Gateway.Backend.GCPPubSub.DownlinkRetentionDuration }}"

    # Payload marshaler.
    #
    # Valid options are: protobuf, json.
    marshaler="{{ .Gateway.Backend.GCPPubSub.Marshaler }}"


# Monitoring settings.
[monitoring]
# IP:port to bind the monitoring endpoint to.
#
# When left blank, the monitoring endpoint will be disabled.
bind="{{ .Monitoring.Bind }}"

# Prometheus metrics endpoint.
#
# When set true, the Prometheus metrics will be served at '/metrics'.
prometheus_endpoint={{ .Monitoring.PrometheusEndpoint }}

# Healthcheck endpoint.
#
# When set to true, the healthcheck endpoint will be served at '/health'.
healthcheck_endpoint={{ .Monitoring.HealthcheckEndpoint }}
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the ChirpStack Device configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, &config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
