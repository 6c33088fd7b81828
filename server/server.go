// Provides a server type for starting and configuring a Siren server.
package server

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/auth"
	"github.com/sirenhq/siren/services/blocklist"
	"github.com/sirenhq/siren/services/diagnostic"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/mqtt"
	"github.com/sirenhq/siren/services/push"
	"github.com/sirenhq/siren/services/smtp"
	"github.com/sirenhq/siren/services/sos"
	"github.com/sirenhq/siren/services/stats"
	"github.com/sirenhq/siren/services/storage"
	"github.com/sirenhq/siren/services/sweeper"
)

const serverIDFilename = "server.id"

// BuildInfo represents the build details for the server code.
type BuildInfo struct {
	Version string
	Commit  string
	Branch  string
}

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	Info(msg string, ctx ...keyvalue.T)
	Debug(msg string, ctx ...keyvalue.T)
}

// Server represents a container for the alert relay services.
// It is built using a Config and it manages the startup and shutdown of all
// services in the proper order.
type Server struct {
	dataDir  string
	hostname string

	config *Config

	err chan error

	AuthService      *auth.Service
	HTTPDService     *httpd.Service
	StorageService   *storage.Service
	BlocklistService *blocklist.Service
	SOSService       *sos.Service
	PushService      *push.Service
	MQTTService      *mqtt.Service
	SMTPService      *smtp.Service
	SweeperService   *sweeper.Service
	StatsService     *stats.Service

	// List of services in startup order
	Services []Service
	// Map of service name to index in Services list
	ServicesByName map[string]int

	BuildInfo BuildInfo
	ServerID  uuid.UUID

	// Profiling
	CPUProfile string
	MemProfile string

	DiagService *diagnostic.Service
	diag        Diagnostic
}

// New returns a new instance of Server built from a config.
func New(c *Config, buildInfo BuildInfo, diagService *diagnostic.Service) (*Server, error) {
	err := c.Validate()
	if err != nil {
		return nil, fmt.Errorf("%s. To generate a valid configuration file run `sirend config > siren.generated.conf`.", err)
	}
	d := diagService.NewServerHandler()
	s := &Server{
		config:         c,
		BuildInfo:      buildInfo,
		dataDir:        c.DataDir,
		hostname:       c.Hostname,
		err:            make(chan error),
		ServicesByName: make(map[string]int),
		DiagService:    diagService,
		diag:           d,
	}
	s.diag.Info("siren hostname", keyvalue.KV("hostname", s.hostname))

	// Setup IDs
	err = s.setupIDs()
	if err != nil {
		return nil, err
	}
	s.diag.Info("server id", keyvalue.KV("server_id", s.ServerID.String()))

	// The HTTPD service is constructed first so every other service can
	// register routes, but is appended last so the API is not listening
	// till everything else succeeded.
	s.initHTTPDService()

	s.appendStorageService()
	s.appendStatsService()

	// Delivery channels
	s.appendSMTPService()
	s.appendPushService()
	s.appendMQTTService()

	s.appendAuthService()
	s.appendBlocklistService()
	s.appendSOSService()
	s.appendSweeperService()

	s.appendHTTPDService()

	return s, nil
}

func (s *Server) AppendService(name string, srv Service) {
	if _, ok := s.ServicesByName[name]; ok {
		// Should be unreachable code
		panic("cannot append service twice")
	}
	i := len(s.Services)
	s.Services = append(s.Services, srv)
	s.ServicesByName[name] = i
}

func (s *Server) initHTTPDService() {
	d := s.DiagService.NewHTTPDHandler()
	srv := httpd.NewService(s.config.HTTP, s.hostname, d)

	srv.Handler.Version = s.BuildInfo.Version
	srv.Handler.DiagService = s.DiagService
	srv.Handler.Health = s.healthInfo

	s.HTTPDService = srv
}

func (s *Server) appendHTTPDService() {
	s.AppendService("httpd", s.HTTPDService)
}

func (s *Server) appendStorageService() {
	d := s.DiagService.NewStorageHandler()
	srv := storage.NewService(s.config.Storage, d)

	s.StorageService = srv
	s.AppendService("storage", srv)
}

func (s *Server) appendStatsService() {
	srv := stats.NewService(s.config.Stats)

	s.StatsService = srv
	s.HTTPDService.Handler.Gatherer = srv.Gatherer()
	s.AppendService("stats", srv)
}

func (s *Server) appendSMTPService() {
	d := s.DiagService.NewSMTPHandler()
	srv := smtp.NewService(s.config.SMTP, d)

	s.SMTPService = srv
	s.AppendService("smtp", srv)
}

func (s *Server) appendPushService() {
	d := s.DiagService.NewPushHandler()
	srv := push.NewService(s.config.Push, d)

	srv.HTTPDService = s.HTTPDService

	s.PushService = srv
	s.AppendService("push", srv)
}

func (s *Server) appendMQTTService() {
	d := s.DiagService.NewMQTTHandler()
	srv := mqtt.NewService(s.config.MQTT, d)

	s.MQTTService = srv
	s.AppendService("mqtt", srv)
}

func (s *Server) appendAuthService() {
	d := s.DiagService.NewAuthHandler()
	srv := auth.NewService(s.config.Auth, d)

	srv.StorageService = s.StorageService
	srv.HTTPDService = s.HTTPDService
	srv.SMTPService = s.SMTPService
	srv.SharedSecret = s.config.HTTP.SharedSecret

	s.AuthService = srv
	s.HTTPDService.Handler.PrincipalResolver = srv
	s.AppendService("auth", srv)
}

func (s *Server) appendBlocklistService() {
	d := s.DiagService.NewBlocklistHandler()
	srv := blocklist.NewService(d)

	srv.StorageService = s.StorageService
	srv.HTTPDService = s.HTTPDService

	s.BlocklistService = srv
	s.AppendService("blocklist", srv)
}

func (s *Server) appendSOSService() {
	d := s.DiagService.NewSOSHandler()
	srv := sos.NewService(d)

	srv.StorageService = s.StorageService
	srv.HTTPDService = s.HTTPDService
	srv.AuthService = s.AuthService
	srv.BlocklistService = s.BlocklistService
	srv.PushService = s.PushService
	srv.MQTTService = s.MQTTService
	srv.StatsService = s.StatsService

	s.SOSService = srv
	s.AppendService("sos", srv)
}

func (s *Server) appendSweeperService() {
	d := s.DiagService.NewSweeperHandler()
	srv := sweeper.NewService(s.config.Sweeper, d)

	srv.SOSService = s.SOSService
	srv.StatsService = s.StatsService

	s.SweeperService = srv
	s.AppendService("sweeper", srv)
}

func (s *Server) healthInfo() httpd.HealthInfo {
	return httpd.HealthInfo{
		Status:  "ok",
		Version: s.BuildInfo.Version,
		Features: map[string]bool{
			"push":    s.PushService.Enabled(),
			"mqtt":    s.MQTTService.Enabled(),
			"smtp":    s.SMTPService.Enabled(),
			"sweeper": s.SweeperService.Enabled(),
			"metrics": s.StatsService.Enabled(),
		},
	}
}

// Err returns an error channel that multiplexes all out of band errors received from all services.
func (s *Server) Err() <-chan error { return s.err }

// Open opens all the services.
func (s *Server) Open() error {
	// Start profiling, if set.
	if err := s.startProfile(s.CPUProfile, s.MemProfile); err != nil {
		return err
	}

	if err := s.startServices(); err != nil {
		s.Close()
		return err
	}

	go s.watchServices()

	return nil
}

func (s *Server) startServices() error {
	for _, service := range s.Services {
		s.diag.Debug("opening service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		if err := service.Open(); err != nil {
			return fmt.Errorf("open service %T: %s", service, err)
		}
		s.diag.Debug("opened service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}
	return nil
}

// Watch if something dies
func (s *Server) watchServices() {
	err := <-s.HTTPDService.Err()
	s.err <- err
}

// Close shuts down the storage and all services.
func (s *Server) Close() error {
	s.stopProfile()

	// Close the API first so no new requests arrive while the
	// remaining services shut down.
	if err := s.HTTPDService.Close(); err != nil {
		s.diag.Error("error closing httpd service", err)
	}

	for i := len(s.Services) - 1; i >= 0; i-- {
		service := s.Services[i]
		s.diag.Debug("closing service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		err := service.Close()
		if err != nil {
			s.diag.Error(fmt.Sprintf("error closing service %T", service), err)
		}
		s.diag.Debug("closed service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}

	return nil
}

func (s *Server) setupIDs() error {
	// Create the data dir if not exists
	if f, err := os.Stat(s.dataDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.Mkdir(s.dataDir, 0755); err != nil {
				return errors.Wrapf(err, "data_dir %q does not exist, failed to create it", s.dataDir)
			}
		} else {
			return errors.Wrapf(err, "failed to stat data dir %q", s.dataDir)
		}
	} else if !f.IsDir() {
		return fmt.Errorf("path data_dir %s exists and is not a directory", s.dataDir)
	}

	serverIDPath := filepath.Join(s.dataDir, serverIDFilename)
	serverID, err := s.readID(serverIDPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if serverID == uuid.Nil {
		serverID = uuid.New()
		if err := s.writeID(serverIDPath, serverID); err != nil {
			return errors.Wrap(err, "failed to save server ID")
		}
	}
	s.ServerID = serverID

	return nil
}

func (s *Server) readID(file string) (uuid.UUID, error) {
	f, err := os.Open(file)
	if err != nil {
		return uuid.Nil, err
	}
	defer f.Close()
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.ParseBytes(b)
}

func (s *Server) writeID(file string, id uuid.UUID) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(id.String()))
	if err != nil {
		return err
	}
	return nil
}

// Service represents a service attached to the server.
type Service interface {
	Open() error
	Close() error
}

// prof stores the file locations of active profiles.
var prof struct {
	cpu *os.File
	mem *os.File
}

// StartProfile initializes the cpu and memory profile, if specified.
func (s *Server) startProfile(cpuprofile, memprofile string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("cpuprofile: %v", err)
		}
		s.diag.Info("writing CPU profile", keyvalue.KV("path", cpuprofile))
		prof.cpu = f
		if err := pprof.StartCPUProfile(prof.cpu); err != nil {
			return fmt.Errorf("start cpu profile: %v", err)
		}
	}

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			return fmt.Errorf("memprofile: %v", err)
		}
		s.diag.Info("writing mem profile", keyvalue.KV("path", memprofile))
		prof.mem = f
		runtime.MemProfileRate = 4096
	}
	return nil
}

// StopProfile closes the cpu and memory profiles if they are running.
func (s *Server) stopProfile() {
	if prof.cpu != nil {
		pprof.StopCPUProfile()
		prof.cpu.Close()
		s.diag.Info("CPU profile stopped")
	}
	if prof.mem != nil {
		if err := pprof.Lookup("heap").WriteTo(prof.mem, 0); err != nil {
			s.diag.Error("failed to write mem profile", err)
		}
		prof.mem.Close()
		s.diag.Info("mem profile stopped")
	}
}
