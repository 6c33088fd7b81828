package sweeper

import (
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/influxdata/influxdb/toml"
	"github.com/pkg/errors"
)

const (
	DefaultInterval  = time.Hour
	DefaultThreshold = time.Hour
)

type Config struct {
	// Whether the expiration sweeper runs.
	Enabled bool `toml:"enabled"`
	// How often the sweep runs. Ignored when schedule is set.
	Interval toml.Duration `toml:"interval"`
	// How long an active alert may go without an update before it is
	// force-expired.
	Threshold toml.Duration `toml:"threshold"`
	// Optional cron expression overriding the fixed interval.
	Schedule string `toml:"schedule"`
}

func NewConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  toml.Duration(DefaultInterval),
		Threshold: toml.Duration(DefaultThreshold),
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Schedule != "" {
		if _, err := cronexpr.Parse(c.Schedule); err != nil {
			return errors.Wrapf(err, "invalid schedule %q", c.Schedule)
		}
	} else if c.Interval <= 0 {
		return errors.New("must specify a positive interval")
	}
	if c.Threshold <= 0 {
		return errors.New("must specify a positive threshold")
	}
	return nil
}
