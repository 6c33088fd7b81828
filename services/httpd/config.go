package httpd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/influxdata/influxdb/toml"
)

const (
	DefaultShutdownTimeout = toml.Duration(time.Second * 10)
)

type Config struct {
	BindAddress      string        `toml:"bind-address"`
	AuthEnabled      bool          `toml:"auth-enabled"`
	LogEnabled       bool          `toml:"log-enabled"`
	PprofEnabled     bool          `toml:"pprof-enabled"`
	MetricsEnabled   bool          `toml:"metrics-enabled"`
	HttpsEnabled     bool          `toml:"https-enabled"`
	HttpsCertificate string        `toml:"https-certificate"`
	HTTPSPrivateKey  string        `toml:"https-private-key"`
	ShutdownTimeout  toml.Duration `toml:"shutdown-timeout"`
	SharedSecret     string        `toml:"shared-secret"`
	GZIP             bool          `toml:"gzip"`
}

func NewConfig() Config {
	return Config{
		BindAddress:      ":9480",
		AuthEnabled:      true,
		LogEnabled:       true,
		MetricsEnabled:   true,
		HttpsCertificate: "/etc/ssl/siren.pem",
		ShutdownTimeout:  DefaultShutdownTimeout,
		GZIP:             true,
	}
}

func (c Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("must specify bind address")
	}
	if _, err := c.Port(); err != nil {
		return err
	}
	if c.AuthEnabled && c.SharedSecret == "" {
		return fmt.Errorf("must specify shared secret when auth is enabled")
	}
	return nil
}

func (c Config) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(c.BindAddress)
	if err != nil {
		return -1, fmt.Errorf("invalid bind address %q: %v", c.BindAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("invalid bind address %q: %v", c.BindAddress, err)
	}
	return port, nil
}
