package httpdtest

import (
	"expvar"
	"log"
	"net/http/httptest"
	"os"
	"time"

	"github.com/sirenhq/siren/services/httpd"
)

// Server wraps an httpd.Handler in an httptest.Server for API tests.
// Authentication is disabled so handlers run with an unrestricted
// local principal.
type Server struct {
	Handler *httpd.Handler
	Server  *httptest.Server
}

func NewServer() *Server {
	statMap := &expvar.Map{}
	statMap.Init()
	s := &Server{
		Handler: httpd.NewHandler(
			false,
			false,
			false,
			false,
			false,
			statMap,
			diagnostic{},
			"",
		),
	}

	s.Server = httptest.NewServer(s.Handler)
	return s
}

func (s *Server) Close() error {
	s.Server.Close()
	return nil
}

func (s *Server) AddRoutes(routes []httpd.Route) error {
	return s.Handler.AddRoutes(routes)
}

func (s *Server) DelRoutes(routes []httpd.Route) {
	s.Handler.DelRoutes(routes)
}

type diagnostic struct{}

func (diagnostic) NewHTTPServerErrorLogger() *log.Logger {
	return log.New(os.Stderr, "[httpdtest] ", log.LstdFlags)
}

func (diagnostic) StartingService()                      {}
func (diagnostic) StoppedService()                       {}
func (diagnostic) ShutdownTimeout()                      {}
func (diagnostic) AuthenticationEnabled(enabled bool)    {}
func (diagnostic) ListeningOn(addr string, proto string) {}

func (diagnostic) HTTP(
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

func (diagnostic) Error(msg string, err error) {}

func (diagnostic) RecoveryError(
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
