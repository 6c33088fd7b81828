package auth

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/services/storage"
)

var (
	ErrAdminExists   = errors.New("admin already exists")
	ErrNoAdminExists = errors.New("no admin exists")

	ErrNoCredentialExists = errors.New("no credential exists")
)

// Data access object for AdminAccount data.
type AdminDAO interface {
	// Retrieve an admin account.
	Get(email string) (AdminAccount, error)

	// Create an admin account.
	// ErrAdminExists is returned if an account already exists for the email.
	Create(a AdminAccount) error

	// Replace an existing admin account.
	// ErrNoAdminExists is returned if the account does not exist.
	Replace(a AdminAccount) error

	// Delete an admin account.
	// It is not an error to delete a non-existent account.
	Delete(email string) error

	// List accounts matching a pattern on email.
	// The pattern is shell/glob matching see https://golang.org/pkg/path/#Match
	List(pattern string, offset, limit int) ([]AdminAccount, error)

	Rebuild() error
}

// Data access object for login credentials. Credentials are stored
// separately from accounts so that listing admins never loads password
// hashes.
type CredentialDAO interface {
	// Retrieve a credential.
	// ErrNoCredentialExists is returned if none is stored for the email.
	Get(email string) (Credential, error)

	// Set a credential, replacing any existing one.
	Set(c Credential) error

	// Delete a credential.
	// It is not an error to delete a non-existent credential.
	Delete(email string) error
}

//--------------------------------------------------------------------
// The following structures are stored in a database via VersionJSONEncode
// or gob encoding. Changes to the structures could break existing data.

const adminAccountVersion = 1

// AdminAccount is a district-scoped administrator.
type AdminAccount struct {
	Email             string    `json:"email"`
	Role              auth.Role `json:"role"`
	AssignedDistricts []string  `json:"assignedDistricts"`
	Active            bool      `json:"active"`
	Created           time.Time `json:"created"`
	Modified          time.Time `json:"modified"`
	CreatedBy         string    `json:"createdBy"`
}

func (a AdminAccount) ObjectID() string {
	return a.Email
}

func (a AdminAccount) MarshalBinary() ([]byte, error) {
	if a.Email == "" {
		return nil, errors.New("admin account must have an email")
	}
	return storage.VersionJSONEncode(adminAccountVersion, a)
}

func (a *AdminAccount) UnmarshalBinary(data []byte) error {
	return storage.VersionJSONDecode(data, func(version int, dec *json.Decoder) error {
		switch version {
		case adminAccountVersion:
			return dec.Decode(a)
		default:
			return fmt.Errorf("unknown admin account version %d: cannot decode", version)
		}
	})
}

// Credential is a bcrypt password hash for an email.
type Credential struct {
	Email string
	Hash  []byte
}

type rawCredential Credential

func (c Credential) ObjectID() string {
	return c.Email
}

func (c Credential) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(rawCredential(c))
	return buf.Bytes(), err
}

func (c *Credential) UnmarshalBinary(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode((*rawCredential)(c))
}

const (
	// Name of email index
	emailIndex = "email"
)

// Key/Value store based implementation of the AdminDAO
type adminKV struct {
	store *storage.IndexedStore
}

func newAdminKV(store storage.Interface) (*adminKV, error) {
	c := storage.DefaultIndexedStoreConfig("admins", func() storage.BinaryObject {
		return new(AdminAccount)
	})
	c.Indexes = []storage.Index{{
		Name:   emailIndex,
		Unique: true,
		ValueFunc: func(o storage.BinaryObject) (string, error) {
			return o.ObjectID(), nil
		},
	}}
	istore, err := storage.NewIndexedStore(store, c)
	if err != nil {
		return nil, err
	}
	return &adminKV{
		store: istore,
	}, nil
}

func (kv *adminKV) error(err error) error {
	if err == storage.ErrNoObjectExists {
		return ErrNoAdminExists
	} else if err == storage.ErrObjectExists {
		return ErrAdminExists
	}
	return err
}

func (kv *adminKV) Get(email string) (AdminAccount, error) {
	o, err := kv.store.Get(email)
	if err != nil {
		return AdminAccount{}, kv.error(err)
	}
	a, ok := o.(*AdminAccount)
	if !ok {
		return AdminAccount{}, storage.ImpossibleTypeErr(a, o)
	}
	return *a, nil
}

func (kv *adminKV) Create(a AdminAccount) error {
	return kv.error(kv.store.Create(&a))
}

func (kv *adminKV) Replace(a AdminAccount) error {
	return kv.error(kv.store.Replace(&a))
}

func (kv *adminKV) Delete(email string) error {
	return kv.error(kv.store.Delete(email))
}

func (kv *adminKV) List(pattern string, offset, limit int) ([]AdminAccount, error) {
	objects, err := kv.store.List(emailIndex, pattern, offset, limit)
	if err != nil {
		return nil, kv.error(err)
	}
	accounts := make([]AdminAccount, len(objects))
	for i, o := range objects {
		a, ok := o.(*AdminAccount)
		if !ok {
			return nil, storage.ImpossibleTypeErr(a, o)
		}
		accounts[i] = *a
	}
	return accounts, nil
}

func (kv *adminKV) Rebuild() error {
	return kv.store.Rebuild()
}

// Key/Value store based implementation of the CredentialDAO
type credentialKV struct {
	store *storage.IndexedStore
}

func newCredentialKV(store storage.Interface) (*credentialKV, error) {
	c := storage.DefaultIndexedStoreConfig("credentials", func() storage.BinaryObject {
		return new(Credential)
	})
	istore, err := storage.NewIndexedStore(store, c)
	if err != nil {
		return nil, err
	}
	return &credentialKV{
		store: istore,
	}, nil
}

func (kv *credentialKV) Get(email string) (Credential, error) {
	o, err := kv.store.Get(email)
	if err == storage.ErrNoObjectExists {
		return Credential{}, ErrNoCredentialExists
	} else if err != nil {
		return Credential{}, err
	}
	c, ok := o.(*Credential)
	if !ok {
		return Credential{}, storage.ImpossibleTypeErr(c, o)
	}
	return *c, nil
}

func (kv *credentialKV) Set(c Credential) error {
	return kv.store.Put(&c)
}

func (kv *credentialKV) Delete(email string) error {
	return kv.store.Delete(email)
}
