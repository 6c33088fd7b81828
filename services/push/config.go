package push

import (
	"net/url"
	"time"

	"github.com/influxdata/influxdb/toml"
	"github.com/pkg/errors"
)

const (
	// DefaultURL is the legacy FCM topic messaging endpoint.
	DefaultURL = "https://fcm.googleapis.com/fcm/send"

	// DefaultAndroidChannelID is the notification channel alerts are
	// delivered on.
	DefaultAndroidChannelID = "sos_alerts"

	DefaultSound = "default"

	DefaultTimeout = 10 * time.Second
)

// Config is the [push] configuration as defined in the Siren configuration file.
type Config struct {
	// Whether push fan-out is enabled.
	Enabled bool `toml:"enabled"`
	// The FCM server key used as the Authorization credential.
	ServerKey string `toml:"server-key"`
	// The URL of the push provider.
	// Default: DefaultURL
	URL string `toml:"url"`
	// Android notification channel id.
	AndroidChannelID string `toml:"android-channel-id"`
	// Notification sound.
	Sound string `toml:"sound"`
	// Request timeout for provider calls.
	Timeout toml.Duration `toml:"timeout"`
}

func NewConfig() Config {
	return Config{
		URL:              DefaultURL,
		AndroidChannelID: DefaultAndroidChannelID,
		Sound:            DefaultSound,
		Timeout:          toml.Duration(DefaultTimeout),
	}
}

func (c Config) Validate() error {
	if c.Enabled {
		if c.ServerKey == "" {
			return errors.New("must specify server-key")
		}
		if c.URL == "" {
			return errors.New("must specify url")
		}
		if _, err := url.Parse(c.URL); err != nil {
			return errors.Wrapf(err, "invalid URL %q", c.URL)
		}
		if c.Timeout <= 0 {
			return errors.New("must specify a positive timeout")
		}
	}
	return nil
}
