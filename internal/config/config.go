package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Version defines the ChirpStack Device version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	Device struct {
		DevEUI        lorawan.EUI64 `mapstructure:"-"`
		DevEUIString  string        `mapstructure:"dev_eui"`
		JoinEUI       lorawan.EUI64 `mapstructure:"-"`
		JoinEUIString string        `mapstructure:"join_eui"`
		MACVersion    string        `mapstructure:"mac_version"`
		SessionTTL    time.Duration `mapstructure:"session_ttl"`

		// OTAA or ABP.
		Activation string `mapstructure:"activation"`

		ABP struct {
			DevAddr       lorawan.DevAddr `mapstructure:"-"`
			DevAddrString string          `mapstructure:"dev_addr"`
		} `mapstructure:"abp"`

		DataRate  int           `mapstructure:"data_rate"`
		Channel   int           `mapstructure:"channel"`
		RXTimeout time.Duration `mapstructure:"rx_timeout"`

		Uplink struct {
			Interval  time.Duration `mapstructure:"interval"`
			Count     int           `mapstructure:"count"`
			FPort     uint8         `mapstructure:"f_port"`
			Payload   string        `mapstructure:"payload"`
			Confirmed bool          `mapstructure:"confirmed"`
		} `mapstructure:"uplink"`
	} `mapstructure:"device"`

	SecureModule struct {
		KEK struct {
			Set []struct {
				Label string `mapstructure:"label"`
				KEK   string `mapstructure:"kek"`
			} `mapstructure:"set"`
		} `mapstructure:"kek"`

		Keys []struct {
			Name     string `mapstructure:"name"`
			Key      string `mapstructure:"key"`
			KEKLabel string `mapstructure:"kek_label"`
		} `mapstructure:"keys"`
	} `mapstructure:"secure_module"`

	Security struct {
		FOptsErrata    bool   `mapstructure:"fopts_errata"`
		JoinNonceCheck string `mapstructure:"join_nonce_check"`
	} `mapstructure:"security"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
		KeyPrefix  string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Band struct {
		Name               band.Name `mapstructure:"name"`
		DwellTime400ms     bool      `mapstructure:"dwell_time_400ms"`
		RepeaterCompatible bool      `mapstructure:"repeater_compatible"`
	} `mapstructure:"band"`

	Gateway struct {
		GatewayID       lorawan.EUI64 `mapstructure:"-"`
		GatewayIDString string        `mapstructure:"gateway_id"`

		Backend struct {
			Type string `mapstructure:"type"`

			MQTT struct {
				Server               string        `mapstructure:"server"`
				Username             string        `mapstructure:"username"`
				Password             string        `mapstructure:"password"`
				MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
				QOS                  uint8         `mapstructure:"qos"`
				CleanSession         bool          `mapstructure:"clean_session"`
				ClientID             string        `mapstructure:"client_id"`
				CACert               string        `mapstructure:"ca_cert"`
				TLSCert              string        `mapstructure:"tls_cert"`
				TLSKey               string        `mapstructure:"tls_key"`
				Marshaler            string        `mapstructure:"marshaler"`

				EventTopicTemplate   string `mapstructure:"event_topic_template"`
				CommandTopicTemplate string `mapstructure:"command_topic_template"`
			} `mapstructure:"mqtt"`

			AMQP struct {
				URL                       string `mapstructure:"url"`
				Marshaler                 string `mapstructure:"marshaler"`
				EventRoutingKeyTemplate   string `mapstructure:"event_routing_key_template"`
				CommandRoutingKeyTemplate string `mapstructure:"command_routing_key_template"`
				CommandQueueName          string `mapstructure:"command_queue_name"`
			} `mapstructure:"amqp"`

			GCPPubSub struct {
				CredentialsFile           string        `mapstructure:"credentials_file"`
				ProjectID                 string        `mapstructure:"project_id"`
				UplinkTopicName           string        `mapstructure:"uplink_topic_name"`
				DownlinkTopicName         string        `mapstructure:"downlink_topic_name"`
				DownlinkRetentionDuration time.Duration `mapstructure:"downlink_retention_duration"`
				Marshaler                 string        `mapstructure:"marshaler"`
			} `mapstructure:"gcp_pub_sub"`
		} `mapstructure:"backend"`
	} `mapstructure:"gateway"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config
