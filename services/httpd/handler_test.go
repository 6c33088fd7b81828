package httpd_test

import (
	"expvar"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/services/httpd"
)

type resolver struct{}

func (resolver) Principal(email string) (auth.Principal, error) {
	return auth.Principal{Email: email}, nil
}

func newTestHandler(authEnabled bool, secret string) *httpd.Handler {
	statMap := &expvar.Map{}
	statMap.Init()
	h := httpd.NewHandler(
		authEnabled,
		false,
		false,
		false,
		false,
		statMap,
		testDiag{},
		secret,
	)
	h.PrincipalResolver = resolver{}
	return h
}

func signToken(t *testing.T, secret, email string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"email": email,
		"exp":   exp.Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHandler_BearerAuth(t *testing.T) {
	secret := "secret"
	h := newTestHandler(true, secret)

	var gotPrincipal auth.Principal
	if err := h.AddRoutes([]httpd.Route{{
		Method:  "GET",
		Pattern: "/whoami",
		HandlerFunc: func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
			gotPrincipal = p
			w.WriteHeader(http.StatusOK)
		},
	}}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{
			name: "missing header",
			code: http.StatusUnauthorized,
		},
		{
			name:   "malformed header",
			header: "Digest abc",
			code:   http.StatusUnauthorized,
		},
		{
			name:   "bad signature",
			header: "Bearer " + signToken(t, "wrong-secret", "admin@example.com", time.Now().Add(time.Hour)),
			code:   http.StatusUnauthorized,
		},
		{
			name:   "expired",
			header: "Bearer " + signToken(t, secret, "admin@example.com", time.Now().Add(-time.Hour)),
			code:   http.StatusUnauthorized,
		},
		{
			name:   "valid",
			header: "Bearer " + signToken(t, secret, "admin@example.com", time.Now().Add(time.Hour)),
			code:   http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", srv.URL+"/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("unexpected status: got %d exp %d", resp.StatusCode, tt.code)
			}
		})
	}

	if exp := "admin@example.com"; gotPrincipal.Email != exp {
		t.Errorf("unexpected principal email: got %q exp %q", gotPrincipal.Email, exp)
	}
}

func TestHandler_AuthDisabled(t *testing.T) {
	h := newTestHandler(false, "")

	if err := h.AddRoutes([]httpd.Route{{
		Method:  "GET",
		Pattern: "/whoami",
		HandlerFunc: func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
			if !p.SuperAdmin {
				t.Error("expected unrestricted principal when auth is disabled")
			}
			w.WriteHeader(http.StatusOK)
		},
	}}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/whoami")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status: got %d exp %d", resp.StatusCode, http.StatusOK)
	}
}

func TestHandler_Health(t *testing.T) {
	h := newTestHandler(false, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status: got %d exp %d", resp.StatusCode, http.StatusOK)
	}
}

type testDiag struct{}

func (testDiag) NewHTTPServerErrorLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

func (testDiag) StartingService()                      {}
func (testDiag) StoppedService()                       {}
func (testDiag) ShutdownTimeout()                      {}
func (testDiag) AuthenticationEnabled(enabled bool)    {}
func (testDiag) ListeningOn(addr string, proto string) {}

func (testDiag) HTTP(
	host string,
	username string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
}

func (testDiag) Error(msg string, err error) {}

func (testDiag) RecoveryError(
	msg string,
	err string,
	host string,
	username string,
	start time.Time,
	method string,
	uri string,
	proto string,
	status int,
	referer string,
	userAgent string,
	reqID string,
	duration time.Duration,
) {
}
