package stats

type Config struct {
	// Whether the /metrics endpoint is served.
	Enabled bool `toml:"enabled"`
}

func NewConfig() Config {
	return Config{
		Enabled: true,
	}
}

func (c Config) Validate() error {
	return nil
}
