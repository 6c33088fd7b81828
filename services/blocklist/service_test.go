package blocklist

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/storage"
)

type diagnostic struct {
	lookupFailures int
}

func (d *diagnostic) Error(msg string, err error, ctx ...keyvalue.T) {}
func (d *diagnostic) BlockLookupFailed(sender string, err error)     { d.lookupFailures++ }
func (d *diagnostic) BlockedSender(sender, by string)                {}
func (d *diagnostic) UnblockedSender(sender string)                  {}

type storageService struct{}

func (storageService) Store(namespace string) storage.Interface {
	return storage.NewMemStore(namespace)
}
func (storageService) Register(name string, store storage.StoreActioner) {}

type httpdService struct{}

func (httpdService) AddRoutes(routes []httpd.Route) error { return nil }
func (httpdService) DelRoutes(routes []httpd.Route)       {}

func newTestService(t *testing.T) (*Service, *diagnostic) {
	t.Helper()
	d := &diagnostic{}
	s := NewService(d)
	s.StorageService = storageService{}
	s.HTTPDService = httpdService{}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, d
}

func TestService_BlockUnblock(t *testing.T) {
	s, _ := newTestService(t)

	if s.IsBlocked("device-1") {
		t.Fatal("expected unknown sender to not be blocked")
	}

	e, err := s.Block("device-1", "spamming false alerts", "admin@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Blocked {
		t.Error("expected entry to be marked blocked")
	}
	if e.BlockedBy != "admin@example.com" {
		t.Errorf("unexpected blockedBy: got %q", e.BlockedBy)
	}

	if !s.IsBlocked("device-1") {
		t.Error("expected sender to be blocked")
	}

	if _, err := s.Block("device-1", "again", "admin@example.com"); err != ErrBlockEntryExists {
		t.Errorf("expected ErrBlockEntryExists blocking twice, got %v", err)
	}

	if err := s.Unblock("device-1"); err != nil {
		t.Fatal(err)
	}
	if s.IsBlocked("device-1") {
		t.Error("expected sender to be unblocked")
	}

	if err := s.Unblock("device-1"); err != ErrNoBlockEntryExists {
		t.Errorf("expected ErrNoBlockEntryExists unblocking twice, got %v", err)
	}
}

func TestService_List(t *testing.T) {
	s, _ := newTestService(t)

	senders := []string{"device-a", "device-b", "device-c"}
	for _, id := range senders {
		if _, err := s.Block(id, "", "admin@example.com"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := len(entries), len(senders); got != exp {
		t.Fatalf("unexpected entry count: got %d exp %d", got, exp)
	}
	for i, id := range senders {
		if entries[i].SenderID != id {
			t.Errorf("unexpected sender at %d: got %q exp %q", i, entries[i].SenderID, id)
		}
	}
}

// A lookup failure must never suppress an emergency alert.
func TestService_IsBlocked_FailsOpen(t *testing.T) {
	s, d := newTestService(t)
	s.entries = failingDAO{}

	if s.IsBlocked("device-1") {
		t.Error("expected failed lookup to report not blocked")
	}
	if d.lookupFailures != 1 {
		t.Errorf("expected lookup failure to be reported, got %d", d.lookupFailures)
	}
}

type failingDAO struct{}

var errStoreDown = errors.New("store unavailable")

func (failingDAO) Get(senderID string) (BlockEntry, error) { return BlockEntry{}, errStoreDown }
func (failingDAO) Create(e BlockEntry) error               { return errStoreDown }
func (failingDAO) Put(e BlockEntry) error                  { return errStoreDown }
func (failingDAO) Delete(senderID string) error            { return errStoreDown }
func (failingDAO) List(pattern string, offset, limit int) ([]BlockEntry, error) {
	return nil, errStoreDown
}
func (failingDAO) Rebuild() error { return errStoreDown }
