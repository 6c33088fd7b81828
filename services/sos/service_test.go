package sos

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/push"
	"github.com/sirenhq/siren/services/storage"
)

type diagnostic struct{}

func (diagnostic) Error(msg string, err error, ctx ...keyvalue.T)    {}
func (diagnostic) AlertRaised(sender, district string)               {}
func (diagnostic) AlertResolved(sender, district string)             {}
func (diagnostic) DeliveryFailed(sender, district string, err error) {}
func (diagnostic) BridgePublishFailed(topic string, err error)       {}

type storageService struct{}

func (storageService) Store(namespace string) storage.Interface {
	return storage.NewMemStore(namespace)
}
func (storageService) Register(name string, store storage.StoreActioner) {}

type httpdService struct{}

func (httpdService) AddRoutes(routes []httpd.Route) error { return nil }
func (httpdService) DelRoutes(routes []httpd.Route)       {}

type blocklist struct {
	blocked map[string]bool
}

func (b *blocklist) IsBlocked(senderID string) bool { return b.blocked[senderID] }

type pushRecorder struct {
	messages []push.Message
	err      error
}

func (p *pushRecorder) Alert(m push.Message) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, m)
	return "42", nil
}

type bridgeRecorder struct {
	enabled  bool
	topics   []string
	payloads [][]byte
}

func (b *bridgeRecorder) Enabled() bool { return b.enabled }
func (b *bridgeRecorder) Publish(topic string, message []byte) error {
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, message)
	return nil
}

type authService struct {
	scope auth.Scope
}

func (a *authService) AuthorizeAdmin(p auth.Principal) (auth.Scope, error) {
	return a.scope, nil
}

type testFixture struct {
	service *Service
	blocked *blocklist
	pushes  *pushRecorder
	bridge  *bridgeRecorder
}

func newTestService(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		blocked: &blocklist{blocked: make(map[string]bool)},
		pushes:  &pushRecorder{},
		bridge:  &bridgeRecorder{},
	}
	s := NewService(diagnostic{})
	s.StorageService = storageService{}
	s.HTTPDService = httpdService{}
	s.BlocklistService = f.blocked
	s.PushService = f.pushes
	s.MQTTService = f.bridge
	s.AuthService = &authService{scope: auth.AllScope}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	f.service = s
	return f
}

func raiseOptions(sender string) RaiseOptions {
	return RaiseOptions{
		SenderID: sender,
		District: "udupi",
		Location: &Location{Latitude: 13.35, Longitude: 74.79, Accuracy: 5},
		Reporter: &Reporter{
			Name:     "Asha",
			Phone:    "+91-9000000000",
			Location: "Manipal, Karnataka",
		},
		Timestamp: 1555324800000,
	}
}

func TestService_Raise(t *testing.T) {
	f := newTestService(t)

	receipt, err := f.service.Raise(raiseOptions("device-1"))
	if err != nil {
		t.Fatal(err)
	}
	if exp := "42"; receipt.MessageID != exp {
		t.Errorf("unexpected messageId: got %q exp %q", receipt.MessageID, exp)
	}
	if exp := "district-udupi"; receipt.Topic != exp {
		t.Errorf("unexpected topic: got %q exp %q", receipt.Topic, exp)
	}

	snapshot, err := f.service.Snapshot("device-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snapshot.Active {
		t.Error("expected snapshot to be active")
	}
	if snapshot.Location == nil || snapshot.Location.Latitude != 13.35 {
		t.Errorf("unexpected location: %+v", snapshot.Location)
	}
	if snapshot.Reporter == nil || snapshot.Reporter.Name != "Asha" {
		t.Errorf("unexpected reporter: %+v", snapshot.Reporter)
	}
	if exp := "KARNATAKA"; snapshot.Region != exp {
		t.Errorf("unexpected region: got %q exp %q", snapshot.Region, exp)
	}
	if snapshot.LastUpdated.IsZero() {
		t.Error("expected lastUpdated to be set")
	}

	if len(f.pushes.messages) != 1 {
		t.Fatalf("expected one push, got %d", len(f.pushes.messages))
	}
	m := f.pushes.messages[0]
	if exp := "sos_alert"; m.Type != exp {
		t.Errorf("unexpected message type: got %q exp %q", m.Type, exp)
	}
	if m.Location == "" || m.UserInfo == "" {
		t.Error("expected location and userInfo on a raise message")
	}
	if exp := int64(1555324800000); m.Timestamp != exp {
		t.Errorf("expected client timestamp to pass through: got %d", m.Timestamp)
	}
}

func TestService_Raise_Validation(t *testing.T) {
	f := newTestService(t)

	tests := []struct {
		name string
		opts RaiseOptions
	}{
		{
			name: "missing sender",
			opts: func() RaiseOptions { o := raiseOptions(""); return o }(),
		},
		{
			name: "missing district",
			opts: func() RaiseOptions { o := raiseOptions("d"); o.District = ""; return o }(),
		},
		{
			name: "missing location",
			opts: func() RaiseOptions { o := raiseOptions("d"); o.Location = nil; return o }(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Raise(tt.opts)
			if _, ok := err.(ValidationError); !ok {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
	if len(f.pushes.messages) != 0 {
		t.Errorf("expected no fan-out on validation failure, got %d", len(f.pushes.messages))
	}
}

func TestService_Resolve(t *testing.T) {
	f := newTestService(t)

	if _, err := f.service.Raise(raiseOptions("device-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Resolve("device-1", "udupi", 0); err != nil {
		t.Fatal(err)
	}

	snapshot, err := f.service.Snapshot("device-1")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Active {
		t.Error("expected snapshot to be inactive")
	}
	if snapshot.Location != nil || snapshot.Reporter != nil {
		t.Error("expected live fields to be cleared on resolve")
	}
	if exp := "KARNATAKA"; snapshot.Region != exp {
		t.Errorf("expected region to survive resolution: got %q", snapshot.Region)
	}

	// Resolving a sender that never raised is a harmless notification.
	if _, err := f.service.Resolve("device-unknown", "udupi", 0); err != nil {
		t.Fatal(err)
	}
	if exp := 3; len(f.pushes.messages) != exp {
		t.Fatalf("expected %d pushes, got %d", exp, len(f.pushes.messages))
	}
	if exp := "sos_resolved"; f.pushes.messages[1].Type != exp {
		t.Errorf("unexpected message type: got %q exp %q", f.pushes.messages[1].Type, exp)
	}
	if f.pushes.messages[1].Location != "" || f.pushes.messages[1].UserInfo != "" {
		t.Error("expected no location or userInfo on a resolve message")
	}
}

func TestService_Raise_Blocked(t *testing.T) {
	f := newTestService(t)
	f.blocked.blocked["device-1"] = true

	if _, err := f.service.Raise(raiseOptions("device-1")); err != ErrSenderBlocked {
		t.Fatalf("expected ErrSenderBlocked, got %v", err)
	}
	if len(f.pushes.messages) != 0 {
		t.Error("expected no fan-out for a blocked raise")
	}

	// A blocked sender can always cancel.
	if _, err := f.service.Resolve("device-1", "udupi", 0); err != nil {
		t.Fatal(err)
	}
}

func TestService_Reraise(t *testing.T) {
	f := newTestService(t)

	if _, err := f.service.Raise(raiseOptions("device-1")); err != nil {
		t.Fatal(err)
	}
	first, _ := f.service.Snapshot("device-1")

	o := raiseOptions("device-1")
	o.Reporter.Location = "Mangalore, Karnataka"
	o.Location = &Location{Latitude: 12.91, Longitude: 74.85, Accuracy: 10}
	if _, err := f.service.Raise(o); err != nil {
		t.Fatal(err)
	}

	second, _ := f.service.Snapshot("device-1")
	if second.Location.Latitude != 12.91 {
		t.Error("expected re-raise to overwrite the payload")
	}
	if second.LastUpdated.Before(first.LastUpdated) {
		t.Error("expected lastUpdated to be refreshed")
	}
	if exp := 2; len(f.pushes.messages) != exp {
		t.Errorf("expected %d fan-outs for a re-raise, got %d", exp, len(f.pushes.messages))
	}
}

func TestService_DeliveryFailure_KeepsSnapshot(t *testing.T) {
	f := newTestService(t)
	f.pushes.err = errors.New("provider down")

	if _, err := f.service.Raise(raiseOptions("device-1")); err == nil {
		t.Fatal("expected delivery error")
	}

	snapshot, err := f.service.Snapshot("device-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snapshot.Active {
		t.Error("expected snapshot write to survive a fan-out failure")
	}
}

func TestService_ExpireOlderThan(t *testing.T) {
	f := newTestService(t)

	stale := []string{"stale-1", "stale-2", "stale-3"}
	for _, id := range stale {
		if _, err := f.service.Raise(raiseOptions(id)); err != nil {
			t.Fatal(err)
		}
	}
	// Resolved rows are not sweep candidates.
	if _, err := f.service.Resolve("stale-3", "udupi", 0); err != nil {
		t.Fatal(err)
	}

	pushesBefore := len(f.pushes.messages)
	cutoff := time.Now().UTC().Add(time.Minute)
	n, err := f.service.ExpireOlderThan(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if exp := 2; n != exp {
		t.Fatalf("expected %d expired rows, got %d", exp, n)
	}
	if len(f.pushes.messages) != pushesBefore {
		t.Error("expected expiration to issue zero fan-out calls")
	}

	for _, id := range stale[:2] {
		snapshot, err := f.service.Snapshot(id)
		if err != nil {
			t.Fatal(err)
		}
		if snapshot.Active {
			t.Errorf("expected %s to be expired", id)
		}
		if exp := "scheduled_job"; snapshot.ExpiredBy != exp {
			t.Errorf("unexpected expiredBy: got %q exp %q", snapshot.ExpiredBy, exp)
		}
		if snapshot.ExpiredAt == nil {
			t.Error("expected expiredAt to be set")
		}
		if snapshot.Location != nil || snapshot.Reporter != nil {
			t.Error("expected live fields to be cleared on expiry")
		}
	}

	// Fresh rows are untouched.
	if _, err := f.service.Raise(raiseOptions("fresh-1")); err != nil {
		t.Fatal(err)
	}
	n, err = f.service.ExpireOlderThan(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected zero-qualifying sweep to be a no-op, got %d", n)
	}
	snapshot, _ := f.service.Snapshot("fresh-1")
	if !snapshot.Active {
		t.Error("expected fresh row to stay active")
	}
}

func TestService_BridgePublish(t *testing.T) {
	f := newTestService(t)
	f.bridge.enabled = true

	if _, err := f.service.Raise(raiseOptions("device-1")); err != nil {
		t.Fatal(err)
	}
	if len(f.bridge.topics) != 1 {
		t.Fatalf("expected one bridge publish, got %d", len(f.bridge.topics))
	}
	if exp := "district-udupi"; f.bridge.topics[0] != exp {
		t.Errorf("unexpected bridge topic: got %q exp %q", f.bridge.topics[0], exp)
	}
}

func TestService_Users(t *testing.T) {
	f := newTestService(t)

	districts := map[string]string{
		"device-1": "udupi",
		"device-2": "udupi",
		"device-3": "mangalore",
	}
	for id, d := range districts {
		o := raiseOptions(id)
		o.District = d
		if _, err := f.service.Raise(o); err != nil {
			t.Fatal(err)
		}
	}
	f.blocked.blocked["device-2"] = true

	// Scoped admins only see their districts.
	scope := auth.Scope{Districts: []string{"udupi"}}
	page, err := f.service.Users(scope, 1, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if exp := 2; page.Total != exp {
		t.Fatalf("expected %d users in scope, got %d", exp, page.Total)
	}
	for _, u := range page.Users {
		if u.District != "udupi" {
			t.Errorf("unexpected district in scoped listing: %q", u.District)
		}
		if u.SenderID == "device-2" && !u.Blocked {
			t.Error("expected block status to be merged")
		}
	}

	// Super admins see everything.
	page, err = f.service.Users(auth.AllScope, 1, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if exp := 3; page.Total != exp {
		t.Errorf("expected %d users for all-district scope, got %d", exp, page.Total)
	}

	// Search filters.
	page, err = f.service.Users(auth.AllScope, 1, 10, "device-3")
	if err != nil {
		t.Fatal(err)
	}
	if exp := 1; page.Total != exp {
		t.Errorf("expected %d search hits, got %d", exp, page.Total)
	}

	// Pagination bounds.
	page, err = f.service.Users(auth.AllScope, 2, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if exp := 1; len(page.Users) != exp {
		t.Errorf("expected %d users on page 2, got %d", exp, len(page.Users))
	}
}
