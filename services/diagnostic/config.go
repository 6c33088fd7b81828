package diagnostic

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

const (
	// Special file names understood to mean a std stream instead of a path.
	FileStderr = "STDERR"
	FileStdout = "STDOUT"

	EncodingLogfmt = "logfmt"
	EncodingJSON   = "json"
)

type Config struct {
	File     string `toml:"file"`
	Level    string `toml:"level"`
	Encoding string `toml:"encoding"`
}

func NewConfig() Config {
	return Config{
		File:     FileStderr,
		Level:    "INFO",
		Encoding: EncodingLogfmt,
	}
}

func (c Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("diagnostic file cannot be empty")
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return fmt.Errorf("invalid diagnostic level %q", c.Level)
	}
	switch c.Encoding {
	case EncodingLogfmt, EncodingJSON:
	default:
		return fmt.Errorf("invalid diagnostic encoding %q", c.Encoding)
	}
	return nil
}
