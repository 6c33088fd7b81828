package blocklist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/sirenhq/siren/services/storage"
)

var (
	ErrBlockEntryExists   = errors.New("block entry already exists")
	ErrNoBlockEntryExists = errors.New("no block entry exists")
)

// Data access object for BlockEntry data.
type BlockEntryDAO interface {
	// Retrieve a block entry.
	Get(senderID string) (BlockEntry, error)

	// Create a block entry.
	// ErrBlockEntryExists is returned if an entry already exists for the sender.
	Create(e BlockEntry) error

	// Put a block entry, replaces any existing entry.
	Put(e BlockEntry) error

	// Delete a block entry.
	// It is not an error to delete a non-existent entry.
	Delete(senderID string) error

	// List entries matching a pattern on sender ID.
	// The pattern is shell/glob matching see https://golang.org/pkg/path/#Match
	List(pattern string, offset, limit int) ([]BlockEntry, error)

	Rebuild() error
}

//--------------------------------------------------------------------
// The following structures are stored in a database via VersionJSONEncode.
// Changes to the structures could break existing data.

const blockEntryVersion = 1

// BlockEntry records that a sender is barred from raising alerts.
// Absence of an entry and an entry with Blocked == false are equivalent.
type BlockEntry struct {
	SenderID  string    `json:"sender_id"`
	Blocked   bool      `json:"blocked"`
	Reason    string    `json:"reason"`
	BlockedBy string    `json:"blockedBy"`
	BlockedAt time.Time `json:"blockedAt"`
}

func (e BlockEntry) ObjectID() string {
	return e.SenderID
}

func (e BlockEntry) MarshalBinary() ([]byte, error) {
	if e.SenderID == "" {
		return nil, errors.New("block entry must have a sender id")
	}
	return storage.VersionJSONEncode(blockEntryVersion, e)
}

func (e *BlockEntry) UnmarshalBinary(data []byte) error {
	return storage.VersionJSONDecode(data, func(version int, dec *json.Decoder) error {
		switch version {
		case blockEntryVersion:
			return dec.Decode(e)
		default:
			return fmt.Errorf("unknown block entry version %d: cannot decode", version)
		}
	})
}

// Key/Value store based implementation of the BlockEntryDAO
type blockEntryKV struct {
	store *storage.IndexedStore
}

func newBlockEntryKV(store storage.Interface) (*blockEntryKV, error) {
	c := storage.DefaultIndexedStoreConfig("blocks", func() storage.BinaryObject {
		return new(BlockEntry)
	})
	istore, err := storage.NewIndexedStore(store, c)
	if err != nil {
		return nil, err
	}
	return &blockEntryKV{
		store: istore,
	}, nil
}

func (kv *blockEntryKV) error(err error) error {
	if err == storage.ErrObjectExists {
		return ErrBlockEntryExists
	} else if err == storage.ErrNoObjectExists {
		return ErrNoBlockEntryExists
	}
	return err
}

func (kv *blockEntryKV) Get(senderID string) (BlockEntry, error) {
	o, err := kv.store.Get(senderID)
	if err != nil {
		return BlockEntry{}, kv.error(err)
	}
	e, ok := o.(*BlockEntry)
	if !ok {
		return BlockEntry{}, storage.ImpossibleTypeErr(e, o)
	}
	return *e, nil
}

func (kv *blockEntryKV) Create(e BlockEntry) error {
	return kv.error(kv.store.Create(&e))
}

func (kv *blockEntryKV) Put(e BlockEntry) error {
	return kv.error(kv.store.Put(&e))
}

func (kv *blockEntryKV) Delete(senderID string) error {
	return kv.error(kv.store.Delete(senderID))
}

func (kv *blockEntryKV) List(pattern string, offset, limit int) ([]BlockEntry, error) {
	objects, err := kv.store.List(storage.DefaultIDIndex, pattern, offset, limit)
	if err != nil {
		return nil, kv.error(err)
	}
	entries := make([]BlockEntry, len(objects))
	for i, o := range objects {
		e, ok := o.(*BlockEntry)
		if !ok {
			return nil, storage.ImpossibleTypeErr(e, o)
		}
		entries[i] = *e
	}
	return entries, nil
}

func (kv *blockEntryKV) Rebuild() error {
	return kv.store.Rebuild()
}
