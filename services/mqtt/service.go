package mqtt

import (
	"sync"

	"github.com/pkg/errors"
)

type Diagnostic interface {
	Error(msg string, err error)
	Connected(broker string)
	Disconnected()
}

// Service maintains a connection to an MQTT broker and publishes alert
// events to district topics. It is the best-effort secondary fan-out,
// publish failures are reported to the caller but never retried here.
type Service struct {
	diag Diagnostic

	mu     sync.RWMutex
	config Config
	client Client
}

func NewService(c Config, d Diagnostic) *Service {
	return &Service{
		diag:   d,
		config: c,
	}
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.config.Enabled {
		return nil
	}
	client, err := NewClient(s.config)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return errors.Wrapf(err, "connecting to MQTT broker %q", s.config.Broker())
	}
	s.client = client
	s.diag.Connected(s.config.Broker())
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
		s.diag.Disconnected()
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Enabled
}

// Publish sends a message to the prefixed topic using the configured
// QoS and retention.
func (s *Service) Publish(topic string, message []byte) error {
	s.mu.RLock()
	client := s.client
	c := s.config
	s.mu.RUnlock()
	if client == nil {
		return errors.New("service is not open")
	}
	return client.Publish(c.TopicPrefix+"/"+topic, c.QoS, c.Retained, message)
}
