// Package config loads the daemon's TOML configuration file, in the
// same style heka's cmd/sbmgr and flood commands load their configs
// with github.com/BurntSushi/toml.
package config

import (
	"strconv"

	"github.com/BurntSushi/toml"
)

// CoreConfig is the [core] table: logging setup.
type CoreConfig struct {
	LogFile  string `toml:"log-file"`
	LogLevel string `toml:"log-level"`
}

// TLSConfig mirrors bearer.TLSConfig for TOML decoding.
type TLSConfig struct {
	ServerName         string `toml:"server-name"`
	CertFile           string `toml:"cert-file"`
	KeyFile            string `toml:"key-file"`
	RootCAFile         string `toml:"root-ca-file"`
	InsecureSkipVerify bool   `toml:"insecure-skip-verify"`
}

// DaemonConfig is the [daemon] table named in spec §6.
type DaemonConfig struct {
	// Broker
	BrokerHost      string `toml:"broker-host"`
	BrokerPort      int    `toml:"broker-port"`
	BrokerVHost     string `toml:"broker-vhost"`
	BrokerUser      string `toml:"broker-user"`
	BrokerPassword  string `toml:"broker-password"`
	BrokerHeartbeat int    `toml:"broker-heartbeat"`
	BrokerPrefetch  int    `toml:"broker-prefetch"`
	BrokerTLS       bool   `toml:"broker-tls"`

	// Bearer
	BearerHost    string    `toml:"bearer-host"`
	BearerPort    int       `toml:"bearer-port"`
	BearerPortSSL int       `toml:"bearer-port-ssl"`
	BearerUseTLS  bool      `toml:"bearer-use-tls"`
	BearerTLS     TLSConfig `toml:"bearer-tls"`

	BoxID       string `toml:"box-id"`
	RouteToSMSC string `toml:"route-to-smsc"`

	AllowedSenders             string `toml:"allowed-senders"`
	StoreFile                  string `toml:"store-file"`
	DisableMultipartCatenation bool   `toml:"disable-multipart-catenation"`
	MultipartTimeoutSeconds    int    `toml:"multipart-timeout"`

	// Queue name overrides, all optional.
	QueueSend   string `toml:"queue-send"`
	QueueMO     string `toml:"queue-mo"`
	QueueDLR    string `toml:"queue-dlr"`
	QueueFailed string `toml:"queue-failed"`

	RequireAuth bool `toml:"require-auth"`

	MetricsAddr string `toml:"metrics-addr"`
}

// Config is the top-level document.
type Config struct {
	Core   CoreConfig   `toml:"core"`
	Daemon DaemonConfig `toml:"daemon"`
}

// defaults matches the defaults named throughout spec §4 and §6.
func defaults() Config {
	return Config{
		Core: CoreConfig{LogLevel: "info"},
		Daemon: DaemonConfig{
			BrokerPort:              5672,
			BrokerPrefetch:          100,
			BearerPort:              13000,
			BearerPortSSL:           13001,
			MultipartTimeoutSeconds: 300,
			QueueSend:               "sms.send",
			QueueMO:                 "sms.mo",
			QueueDLR:                "sms.dlr",
			QueueFailed:             "sms.failed",
		},
	}
}

// Load parses the TOML file at path over the documented defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BrokerURL builds the amqp:// connection URL from the daemon config.
func (c *DaemonConfig) BrokerURL() string {
	scheme := "amqp"
	if c.BrokerTLS {
		scheme = "amqps"
	}
	vhost := c.BrokerVHost
	return scheme + "://" + c.BrokerUser + ":" + c.BrokerPassword + "@" +
		c.BrokerHost + ":" + strconv.Itoa(c.BrokerPort) + "/" + vhost
}
