package sos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/services/storage"
)

var ErrNoSnapshotExists = errors.New("no alert snapshot exists")

// Data access object for AlertSnapshot data.
type SnapshotDAO interface {
	// Retrieve the snapshot for a sender.
	// ErrNoSnapshotExists is returned if the sender never raised an alert.
	Get(senderID string) (AlertSnapshot, error)

	// Put a snapshot, replacing any existing row for the sender.
	Put(a AlertSnapshot) error

	// List snapshots matching a pattern on sender ID.
	// The pattern is shell/glob matching see https://golang.org/pkg/path/#Match
	List(pattern string, offset, limit int) ([]AlertSnapshot, error)

	// ExpireOlderThan transitions every active snapshot whose LastUpdated
	// precedes the cutoff to inactive, stamping expiredAt/expiredBy and
	// clearing live fields. All qualifying rows commit in one transaction.
	// Returns the number of rows expired.
	ExpireOlderThan(cutoff time.Time, by string) (int, error)

	Rebuild() error
}

//--------------------------------------------------------------------
// The following structures are stored in a database via VersionJSONEncode.
// Changes to the structures could break existing data.

const alertSnapshotVersion = 1

// Location is a GPS fix supplied by the reporting device.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Reporter is the free-text identity supplied with a raise.
type Reporter struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
}

// AlertSnapshot is the last known alert state for a sender. One row per
// sender, mutated in place, never deleted. An inactive row carries no
// location or reporter payload.
type AlertSnapshot struct {
	SenderID    string     `json:"sender_id"`
	Active      bool       `json:"active"`
	Location    *Location  `json:"location,omitempty"`
	Reporter    *Reporter  `json:"reporter,omitempty"`
	District    string     `json:"district"`
	Region      string     `json:"region,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
	ExpiredBy   string     `json:"expiredBy,omitempty"`
}

func (a AlertSnapshot) ObjectID() string {
	return a.SenderID
}

func (a AlertSnapshot) MarshalBinary() ([]byte, error) {
	if a.SenderID == "" {
		return nil, errors.New("alert snapshot must have a sender id")
	}
	return storage.VersionJSONEncode(alertSnapshotVersion, a)
}

func (a *AlertSnapshot) UnmarshalBinary(data []byte) error {
	return storage.VersionJSONDecode(data, func(version int, dec *json.Decoder) error {
		switch version {
		case alertSnapshotVersion:
			return dec.Decode(a)
		default:
			return fmt.Errorf("unknown alert snapshot version %d: cannot decode", version)
		}
	})
}

// Key/Value store based implementation of the SnapshotDAO
type snapshotKV struct {
	store *storage.IndexedStore
	dbOps storage.Interface
}

func newSnapshotKV(store storage.Interface) (*snapshotKV, error) {
	c := storage.DefaultIndexedStoreConfig("alerts", func() storage.BinaryObject {
		return new(AlertSnapshot)
	})
	istore, err := storage.NewIndexedStore(store, c)
	if err != nil {
		return nil, err
	}
	return &snapshotKV{
		store: istore,
		dbOps: store,
	}, nil
}

func (kv *snapshotKV) Get(senderID string) (AlertSnapshot, error) {
	o, err := kv.store.Get(senderID)
	if err == storage.ErrNoObjectExists {
		return AlertSnapshot{}, ErrNoSnapshotExists
	} else if err != nil {
		return AlertSnapshot{}, err
	}
	a, ok := o.(*AlertSnapshot)
	if !ok {
		return AlertSnapshot{}, storage.ImpossibleTypeErr(a, o)
	}
	return *a, nil
}

func (kv *snapshotKV) Put(a AlertSnapshot) error {
	return kv.store.Put(&a)
}

func (kv *snapshotKV) List(pattern string, offset, limit int) ([]AlertSnapshot, error) {
	objects, err := kv.store.List(storage.DefaultIDIndex, pattern, offset, limit)
	if err != nil {
		return nil, err
	}
	snapshots := make([]AlertSnapshot, len(objects))
	for i, o := range objects {
		a, ok := o.(*AlertSnapshot)
		if !ok {
			return nil, storage.ImpossibleTypeErr(a, o)
		}
		snapshots[i] = *a
	}
	return snapshots, nil
}

func (kv *snapshotKV) ExpireOlderThan(cutoff time.Time, by string) (int, error) {
	expired := 0
	err := kv.dbOps.Update(func(tx storage.Tx) error {
		objects, err := kv.store.ListTx(tx, storage.DefaultIDIndex, "", 0, -1)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, o := range objects {
			a, ok := o.(*AlertSnapshot)
			if !ok {
				return storage.ImpossibleTypeErr(a, o)
			}
			if !a.Active || !a.LastUpdated.Before(cutoff) {
				continue
			}
			a.Active = false
			a.Location = nil
			a.Reporter = nil
			a.LastUpdated = now
			a.ExpiredAt = &now
			a.ExpiredBy = by
			if err := kv.store.ReplaceTx(tx, a); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (kv *snapshotKV) Rebuild() error {
	return kv.store.Rebuild()
}
