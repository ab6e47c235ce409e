package courier

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"go.etcd.io/bbolt"
)

// minimal key-value persistence capability required by the encrypted store.
// the physical medium is a caller choice. two are provided: bbolt for durable
// installs and an in-memory map for tests and throwaway sessions.
type KeyValueStore interface {
	// ok is false when the key is not present
	Get(table string, key []byte) (value []byte, ok bool, err error)
	Put(table string, key []byte, value []byte) error
	Delete(table string, key []byte) error
	// visits keys with the given prefix in ascending key order
	Scan(table string, prefix []byte, visit func(key []byte, value []byte) error) error
	Close() error
}

const boltOpenTimeout = 5 * time.Second

type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: boltOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &BoltStore{
		db: db,
	}, nil
}

func (self *BoltStore) Get(table string, key []byte) ([]byte, bool, error) {
	var value []byte
	var ok bool
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(key); v != nil {
			value = slices.Clone(v)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

func (self *BoltStore) Put(table string, key []byte, value []byte) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		return bucket.Put(key, value)
	})
}

func (self *BoltStore) Delete(table string, key []byte) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key)
	})
}

func (self *BoltStore) Scan(table string, prefix []byte, visit func(key []byte, value []byte) error) error {
	return self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := visit(slices.Clone(k), slices.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *BoltStore) Close() error {
	return self.db.Close()
}

type MemoryStore struct {
	stateLock sync.RWMutex
	tables    map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: map[string]map[string][]byte{},
	}
}

func (self *MemoryStore) Get(table string, key []byte) ([]byte, bool, error) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	t, ok := self.tables[table]
	if !ok {
		return nil, false, nil
	}
	value, ok := t[string(key)]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(value), true, nil
}

func (self *MemoryStore) Put(table string, key []byte, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	t, ok := self.tables[table]
	if !ok {
		t = map[string][]byte{}
		self.tables[table] = t
	}
	t[string(key)] = slices.Clone(value)
	return nil
}

func (self *MemoryStore) Delete(table string, key []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if t, ok := self.tables[table]; ok {
		delete(t, string(key))
	}
	return nil
}

func (self *MemoryStore) Scan(table string, prefix []byte, visit func(key []byte, value []byte) error) error {
	self.stateLock.RLock()
	t, ok := self.tables[table]
	if !ok {
		self.stateLock.RUnlock()
		return nil
	}
	keys := maps.Keys(t)
	slices.Sort(keys)
	type entry struct {
		key   []byte
		value []byte
	}
	entries := []entry{}
	for _, key := range keys {
		if bytes.HasPrefix([]byte(key), prefix) {
			entries = append(entries, entry{
				key:   []byte(key),
				value: slices.Clone(t[key]),
			})
		}
	}
	self.stateLock.RUnlock()

	for _, e := range entries {
		if err := visit(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (self *MemoryStore) Close() error {
	return nil
}
