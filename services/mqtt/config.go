package mqtt

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// QoSLevel is the MQTT quality of service for published messages.
type QoSLevel byte

const (
	// AtMostOnce the broker will deliver at most once to every subscriber.
	AtMostOnce QoSLevel = iota
	// AtLeastOnce the broker will deliver at least once to every subscriber.
	AtLeastOnce
	// ExactlyOnce the broker will deliver exactly once to every subscriber.
	ExactlyOnce
)

const DefaultTopicPrefix = "siren"

type Config struct {
	// Enabled indicates whether the secondary MQTT fan-out is enabled.
	Enabled bool `toml:"enabled"`
	// Host of the MQTT broker.
	Host string `toml:"host"`
	// Port of the MQTT broker.
	Port uint16 `toml:"port"`

	ClientID string `toml:"client-id"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// TopicPrefix is prepended to every published district topic.
	TopicPrefix string   `toml:"topic-prefix"`
	QoS         QoSLevel `toml:"qos"`
	Retained    bool     `toml:"retained"`
}

func NewConfig() Config {
	return Config{
		TopicPrefix: DefaultTopicPrefix,
	}
}

// Broker formats the configured Host and Port as tcp://host:port, suitable for
// consumption by the Paho MQTT Client.
func (c Config) Broker() string {
	portStr := strconv.FormatUint(uint64(c.Port), 10)
	u := &url.URL{
		Scheme: "tcp",
		Host:   net.JoinHostPort(c.Host, portStr),
	}
	return u.String()
}

func (c Config) Validate() error {
	if c.Enabled {
		if c.Host == "" || c.Port == 0 {
			return errors.New("must specify host and port for mqtt service")
		}
		if c.TopicPrefix == "" {
			return errors.New("must specify topic-prefix")
		}
		if c.QoS > ExactlyOnce {
			return fmt.Errorf("invalid QoS level %d", c.QoS)
		}
	}
	return nil
}
