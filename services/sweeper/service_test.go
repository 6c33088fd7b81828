package sweeper

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/influxdb/toml"
	"github.com/pkg/errors"

	"github.com/sirenhq/siren/keyvalue"
)

type diagnostic struct {
	mu      sync.Mutex
	skipped int
	expired []int
	errs    []error
}

func (d *diagnostic) Error(msg string, err error, ctx ...keyvalue.T) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}
func (d *diagnostic) SweepStarted() {}
func (d *diagnostic) SweepSkipped() {
	d.mu.Lock()
	d.skipped++
	d.mu.Unlock()
}
func (d *diagnostic) Expired(n int) {
	d.mu.Lock()
	d.expired = append(d.expired, n)
	d.mu.Unlock()
}

type expirer struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
	block   chan struct{}
}

func (e *expirer) ExpireOlderThan(cutoff time.Time) (int, error) {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	e.cutoffs = append(e.cutoffs, cutoff)
	return e.n, nil
}

func (e *expirer) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cutoffs)
}

func newTestService(e *expirer, d *diagnostic) (*Service, *clock.Mock) {
	c := NewConfig()
	c.Interval = toml.Duration(time.Hour)
	c.Threshold = toml.Duration(time.Hour)
	s := NewService(c, d)
	mock := clock.NewMock()
	s.clock = mock
	s.SOSService = e
	return s, mock
}

func TestService_Sweep(t *testing.T) {
	e := &expirer{n: 3}
	d := &diagnostic{}
	s, mock := newTestService(e, d)

	if err := s.Sweep(); err != nil {
		t.Fatal(err)
	}
	if e.calls() != 1 {
		t.Fatalf("expected one expire call, got %d", e.calls())
	}
	if exp := mock.Now().UTC().Add(-time.Hour); !e.cutoffs[0].Equal(exp) {
		t.Errorf("unexpected cutoff: got %v exp %v", e.cutoffs[0], exp)
	}
	if len(d.expired) != 1 || d.expired[0] != 3 {
		t.Errorf("expected expired count to be reported, got %v", d.expired)
	}
}

func TestService_Sweep_Error(t *testing.T) {
	e := &expirer{err: errors.New("storage down")}
	d := &diagnostic{}
	s, _ := newTestService(e, d)

	if err := s.Sweep(); err == nil {
		t.Fatal("expected sweep error to surface")
	}
}

func TestService_Sweep_NonOverlapping(t *testing.T) {
	e := &expirer{block: make(chan struct{})}
	d := &diagnostic{}
	s, _ := newTestService(e, d)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sweep()
	}()

	// Wait for the first sweep to hold the guard.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if !s.sweeping.TryLock() {
			break
		}
		s.sweeping.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A concurrent sweep is skipped, not queued.
	if err := s.Sweep(); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	skipped := d.skipped
	d.mu.Unlock()
	if skipped != 1 {
		t.Errorf("expected one skipped sweep, got %d", skipped)
	}

	close(e.block)
	wg.Wait()
	if e.calls() != 1 {
		t.Errorf("expected one completed sweep, got %d", e.calls())
	}
}

func TestService_ScheduledSweeps(t *testing.T) {
	e := &expirer{n: 1}
	d := &diagnostic{}
	s, mock := newTestService(e, d)

	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	mock.Add(time.Hour)
	deadline := time.Now().Add(5 * time.Second)
	for e.calls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected a sweep after one interval")
		}
		time.Sleep(time.Millisecond)
	}

	mock.Add(time.Hour)
	deadline = time.Now().Add(5 * time.Second)
	for e.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected a second sweep after another interval")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestService_Disabled(t *testing.T) {
	c := NewConfig()
	c.Enabled = false
	s := NewService(c, &diagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
