package storagetest

import (
	"os"

	"github.com/sirenhq/siren/services/storage"
	bolt "go.etcd.io/bbolt"
)

type CleanedTest interface {
	TempDir() string
}

// TestStore provides a storage backend for tests, backed by a temporary
// BoltDB that is removed when the test finishes.
type TestStore struct {
	db        *BoltDB
	versions  storage.Versions
	registrar *storage.StoreActionerRegistrar
}

// BoltDB is a database in a temporary directory cleaned up by the test harness.
type BoltDB struct {
	*bolt.DB
}

func NewBolt(t CleanedTest) (*BoltDB, error) {
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "boltdb*.db")
	if err != nil {
		return nil, err
	}
	dbName := f.Name()
	if err = f.Close(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbName, 0600, &bolt.Options{
		Timeout:    0,
		NoGrowSync: false,
	})
	if err != nil {
		return nil, err
	}
	return &BoltDB{db}, nil
}

func (b *BoltDB) Store(namespace string) storage.Interface {
	return storage.NewBolt(b.DB, namespace)
}

func New(t CleanedTest) *TestStore {
	db, err := NewBolt(t)
	if err != nil {
		panic(err)
	}
	return &TestStore{
		db:        db,
		versions:  storage.NewVersions(db.Store("versions")),
		registrar: storage.NewStorageRegistrar(),
	}
}

func (s *TestStore) Store(namespace string) storage.Interface {
	return s.db.Store(namespace)
}

func (s *TestStore) Versions() storage.Versions {
	return s.versions
}

func (s *TestStore) Register(name string, store storage.StoreActioner) {
	s.registrar.Register(name, store)
}

func (s *TestStore) Close() error {
	return s.db.Close()
}
