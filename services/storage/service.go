package storage

import (
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirenhq/siren/keyvalue"
	bolt "go.etcd.io/bbolt"
)

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
}

type Service struct {
	dbpath string

	boltdb *bolt.DB
	stores map[string]Interface
	mu     sync.Mutex

	versions  Versions
	registrar *StoreActionerRegistrar

	diag Diagnostic
}

func NewService(c Config, d Diagnostic) *Service {
	return &Service{
		dbpath:    c.BoltDBPath,
		diag:      d,
		stores:    make(map[string]Interface),
		registrar: NewStorageRegistrar(),
	}
}

const (
	versionsNamespace = "versions"
)

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.MkdirAll(path.Dir(s.dbpath), 0755)
	if err != nil {
		return errors.Wrapf(err, "mkdir dirs %q", s.dbpath)
	}
	db, err := bolt.Open(s.dbpath, 0600, nil)
	if err != nil {
		return errors.Wrapf(err, "open boltdb @ %q", s.dbpath)
	}
	s.boltdb = db

	s.versions = NewVersions(s.store(versionsNamespace))

	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boltdb != nil {
		return s.boltdb.Close()
	}
	return nil
}

// Store returns a namespaced store.
// Calling Store with the same namespace returns the same Store.
func (s *Service) Store(namespace string) Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(namespace)
}

func (s *Service) store(namespace string) Interface {
	if store, ok := s.stores[namespace]; ok {
		return store
	}
	store := NewBolt(s.boltdb, namespace)
	s.stores[namespace] = store
	return store
}

func (s *Service) Versions() Versions {
	return s.versions
}

func (s *Service) Register(name string, store StoreActioner) {
	s.registrar.Register(name, store)
}
