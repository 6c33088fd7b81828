package diagnostic

import (
	"fmt"
	"io"
	"os"
	"sync"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service owns the root logger. Every other service receives a narrow
// handler created from it, so packages never import zap directly.
type Service struct {
	c Config

	stdout io.Writer
	stderr io.Writer

	mu     sync.Mutex
	opened bool
	f      io.WriteCloser
	level  zap.AtomicLevel
	logger *zap.Logger
}

func NewService(c Config, stdout, stderr io.Writer) *Service {
	return &Service{
		c:      c,
		stdout: stdout,
		stderr: stderr,
		level:  zap.NewAtomicLevel(),
	}
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	var w io.Writer
	switch s.c.File {
	case FileStderr:
		w = s.stderr
	case FileStdout:
		w = s.stdout
	default:
		f, err := os.OpenFile(s.c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "failed to open diagnostic file %q", s.c.File)
		}
		s.f = f
		w = f
	}

	if err := s.setLevel(s.c.Level); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch s.c.Encoding {
	case EncodingJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		enc = zaplogfmt.NewEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(zapcore.Lock(writerToWS(w))), s.level)
	s.logger = zap.New(core)
	s.opened = true
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	_ = s.logger.Sync()
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// SetLevelFromName changes the level of the root logger at runtime.
func (s *Service) SetLevelFromName(lvl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLevel(lvl)
}

func (s *Service) setLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return fmt.Errorf("invalid log level %q", lvl)
	}
	s.level.SetLevel(l)
	return nil
}

func (s *Service) named(name string) *zap.Logger {
	return s.logger.With(zap.String("service", name))
}

func writerToWS(w io.Writer) zapcore.WriteSyncer {
	if ws, ok := w.(zapcore.WriteSyncer); ok {
		return ws
	}
	return zapcore.AddSync(w)
}
