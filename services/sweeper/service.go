package sweeper

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"

	"github.com/sirenhq/siren/keyvalue"
)

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	SweepStarted()
	SweepSkipped()
	Expired(n int)
}

// Service schedules the expiration sweep: stale active alerts are
// force-transitioned to inactive in one atomic batch, silently.
type Service struct {
	diag      Diagnostic
	enabled   bool
	interval  time.Duration
	threshold time.Duration
	schedule  string

	clock  clock.Clock
	ticker ticker

	// Guards against overlapping sweeps when storage is slow.
	sweeping sync.Mutex

	closing chan struct{}
	wg      sync.WaitGroup

	SOSService interface {
		ExpireOlderThan(cutoff time.Time) (int, error)
	}
	StatsService interface {
		SweepRun()
		SweepFailed()
		AlertsExpired(n int)
	}
}

func NewService(c Config, d Diagnostic) *Service {
	return &Service{
		diag:      d,
		enabled:   c.Enabled,
		interval:  time.Duration(c.Interval),
		threshold: time.Duration(c.Threshold),
		schedule:  c.Schedule,
		clock:     clock.New(),
	}
}

func (s *Service) Open() error {
	if !s.enabled {
		return nil
	}
	if s.SOSService == nil {
		return errors.New("missing sos service")
	}
	if s.schedule != "" {
		t, err := newCronTicker(s.schedule, s.clock)
		if err != nil {
			return err
		}
		s.ticker = t
	} else {
		s.ticker = newTimeTicker(s.interval, s.clock)
	}
	s.closing = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return nil
}

func (s *Service) Close() error {
	if s.closing == nil {
		return nil
	}
	close(s.closing)
	s.ticker.Stop()
	s.wg.Wait()
	s.closing = nil
	return nil
}

func (s *Service) Enabled() bool {
	return s.enabled
}

func (s *Service) run() {
	ticks := s.ticker.Start()
	for {
		select {
		case <-ticks:
			if err := s.Sweep(); err != nil {
				s.diag.Error("sweep failed", err)
				if s.StatsService != nil {
					s.StatsService.SweepFailed()
				}
			}
		case <-s.closing:
			return
		}
	}
}

// Sweep runs a single expiration pass. An overlapping call is skipped
// rather than queued.
func (s *Service) Sweep() error {
	if !s.sweeping.TryLock() {
		s.diag.SweepSkipped()
		return nil
	}
	defer s.sweeping.Unlock()

	s.diag.SweepStarted()
	cutoff := s.clock.Now().UTC().Add(-s.threshold)
	n, err := s.SOSService.ExpireOlderThan(cutoff)
	if err != nil {
		return err
	}
	if s.StatsService != nil {
		s.StatsService.SweepRun()
		if n > 0 {
			s.StatsService.AlertsExpired(n)
		}
	}
	if n > 0 {
		s.diag.Expired(n)
	}
	return nil
}

type ticker interface {
	Start() <-chan time.Time
	Stop()
	// Return the next time the ticker will tick
	// after now.
	Next(now time.Time) time.Time
}

type timeTicker struct {
	every  time.Duration
	clock  clock.Clock
	ticker *clock.Ticker
}

func newTimeTicker(every time.Duration, c clock.Clock) *timeTicker {
	return &timeTicker{every: every, clock: c}
}

func (t *timeTicker) Start() <-chan time.Time {
	t.ticker = t.clock.Ticker(t.every)
	return t.ticker.C
}

func (t *timeTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

func (t *timeTicker) Next(now time.Time) time.Time {
	return now.Add(t.every)
}

type cronTicker struct {
	expr    *cronexpr.Expression
	clock   clock.Clock
	ticker  chan time.Time
	closing chan struct{}
	wg      sync.WaitGroup
}

func newCronTicker(cronExpr string, c clock.Clock) (*cronTicker, error) {
	expr, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &cronTicker{
		expr:    expr,
		clock:   c,
		ticker:  make(chan time.Time),
		closing: make(chan struct{}),
	}, nil
}

func (c *cronTicker) Start() <-chan time.Time {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			now := c.clock.Now()
			next := c.expr.Next(now)
			diff := next.Sub(now)
			select {
			case <-c.clock.After(diff):
				c.ticker <- next
			case <-c.closing:
				return
			}
		}
	}()
	return c.ticker
}

func (c *cronTicker) Stop() {
	close(c.closing)
	c.wg.Wait()
}

func (c *cronTicker) Next(now time.Time) time.Time {
	return c.expr.Next(now)
}
