package sos

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/services/httpd/httpdtest"
	"github.com/sirenhq/siren/services/storage/storagetest"
)

type apiFixture struct {
	*testFixture
	url string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{testFixture: &testFixture{
		blocked: &blocklist{blocked: make(map[string]bool)},
		pushes:  &pushRecorder{},
		bridge:  &bridgeRecorder{},
	}}

	store := storagetest.New(t)
	t.Cleanup(func() { store.Close() })
	httpServer := httpdtest.NewServer()
	t.Cleanup(func() { httpServer.Close() })

	s := NewService(diagnostic{})
	s.StorageService = store
	s.HTTPDService = httpServer
	s.BlocklistService = f.blocked
	s.PushService = f.pushes
	s.MQTTService = f.bridge
	s.AuthService = &authService{scope: auth.AllScope}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	f.service = s
	f.url = httpServer.Server.URL
	return f
}

func postSOS(t *testing.T, url string, body map[string]interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url+"/sos", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func sosRequestBody(sender, sosType string) map[string]interface{} {
	return map[string]interface{}{
		"sender_id": sender,
		"sos_type":  sosType,
		"location":  map[string]interface{}{"latitude": 13.35, "longitude": 74.79, "accuracy": 5},
		"userInfo": map[string]interface{}{
			"district": "udupi",
			"name":     "Asha",
			"location": "Manipal, Karnataka",
			"phone":    "+91-9000000000",
		},
		"timestamp": 1555324800000,
	}
}

func TestAPI_SOS(t *testing.T) {
	f := newAPIFixture(t)

	resp := postSOS(t, f.url, sosRequestBody("device-1", "sos_alert"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatal(err)
	}
	if exp := "42"; receipt.MessageID != exp {
		t.Errorf("unexpected messageId: got %q exp %q", receipt.MessageID, exp)
	}
	if exp := "district-udupi"; receipt.Topic != exp {
		t.Errorf("unexpected topic: got %q exp %q", receipt.Topic, exp)
	}

	resp = postSOS(t, f.url, sosRequestBody("device-1", "stop"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected resolve status: %d", resp.StatusCode)
	}
	snapshot, err := f.service.Snapshot("device-1")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Active {
		t.Error("expected stop request to resolve the alert")
	}

	resp = postSOS(t, f.url, sosRequestBody("device-1", "panic"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown sos_type, got %d", resp.StatusCode)
	}

	body := sosRequestBody("device-2", "sos_alert")
	delete(body, "userInfo")
	resp = postSOS(t, f.url, body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing district, got %d", resp.StatusCode)
	}
}

func TestAPI_SOS_Blocked(t *testing.T) {
	f := newAPIFixture(t)
	f.blocked.blocked["device-1"] = true

	resp := postSOS(t, f.url, sosRequestBody("device-1", "sos_alert"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked sender, got %d", resp.StatusCode)
	}
	if len(f.pushes.messages) != 0 {
		t.Error("expected no fan-out for a blocked raise")
	}
}

func TestAPI_ListAlerts(t *testing.T) {
	f := newAPIFixture(t)

	postSOS(t, f.url, sosRequestBody("device-1", "sos_alert"))
	postSOS(t, f.url, sosRequestBody("device-2", "sos_alert"))
	postSOS(t, f.url, sosRequestBody("device-2", "stop"))

	resp, err := http.Get(f.url + "/admin/sos-alerts?active=true")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var alerts []AlertSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if exp := 1; len(alerts) != exp {
		t.Fatalf("expected %d active alerts, got %d", exp, len(alerts))
	}
	if exp := "device-1"; alerts[0].SenderID != exp {
		t.Errorf("unexpected sender: got %q exp %q", alerts[0].SenderID, exp)
	}

	resp, err = http.Get(f.url + "/admin/sos-alerts?active=bogus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad active parameter, got %d", resp.StatusCode)
	}
}

func TestAPI_ListUsers(t *testing.T) {
	f := newAPIFixture(t)

	postSOS(t, f.url, sosRequestBody("device-1", "sos_alert"))
	postSOS(t, f.url, sosRequestBody("device-2", "sos_alert"))
	f.blocked.blocked["device-2"] = true

	resp, err := http.Get(f.url + "/admin/users?page=1&pageSize=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var page UsersPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if exp := 2; page.Total != exp {
		t.Fatalf("expected %d users, got %d", exp, page.Total)
	}
	for _, u := range page.Users {
		if u.SenderID == "device-2" && !u.Blocked {
			t.Error("expected block status to be merged into the listing")
		}
	}
}
