package keycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotStored is returned by a Store that holds no key.
var ErrNotStored = errors.New("no persisted public key")

// Store persists the public key across process restarts for a bounded time.
type Store interface {
	// Load returns the persisted key and its expiry, or ErrNotStored.
	Load(ctx context.Context) (string, time.Time, error)
	// Save persists key until expiresAt, replacing any previous key.
	Save(ctx context.Context, key string, expiresAt time.Time) error
	// Clear removes the persisted key.
	Clear(ctx context.Context) error
}

// MemoryStore is an in-memory Store suitable for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	key       string
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == "" {
		return "", time.Time{}, ErrNotStored
	}
	return s.key, s.expiresAt, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.expiresAt = expiresAt
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = ""
	s.expiresAt = time.Time{}
	return nil
}

var (
	publicKeyBucket = []byte("__public_key")
	publicKeyRecord = []byte("current")
)

type storedKey struct {
	PEM       string    `json:"pem"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltStore persists the public key in a dedicated BBolt bucket.
type BoltStore struct {
	db     *bbolt.DB
	ownsDB bool
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a Store backed by db. The caller owns db.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(publicKeyBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating public key bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromFile opens a BBolt database at path and returns a BoltStore
// that closes it on Close.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close closes the database if the store opened it.
func (s *BoltStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Load(context.Context) (string, time.Time, error) {
	var rec storedKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(publicKeyBucket)
		if b == nil {
			return ErrNotStored
		}
		data := b.Get(publicKeyRecord)
		if data == nil {
			return ErrNotStored
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if rec.PEM == "" {
		return "", time.Time{}, ErrNotStored
	}
	return rec.PEM, rec.ExpiresAt, nil
}

func (s *BoltStore) Save(_ context.Context, key string, expiresAt time.Time) error {
	data, err := json.Marshal(storedKey{PEM: key, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(publicKeyBucket)
		if err != nil {
			return err
		}
		return b.Put(publicKeyRecord, data)
	})
}

func (s *BoltStore) Clear(context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(publicKeyBucket)
		if b == nil {
			return nil
		}
		return b.Delete(publicKeyRecord)
	})
}
