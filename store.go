package courier

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// logical tables in the local cache. values are encrypted at rest,
// keys are identifiers and carry no content.
const (
	tableConversations = "conversations"
	tableMembers       = "members"
	tableMessages      = "messages"
	tableCursors       = "cursors"
	tableMeta          = "meta"
)

var keyCheckKey = []byte("key_check")
var keyCheckValue = []byte("courier store v1")

// encrypts every value with a subkey derived from the caller key and the
// installation id before handing it to the key-value medium.
// writes are serialized so there is at most one logical writer per installation.
// reads see the snapshot prior to any in-flight write.
type EncryptedStore struct {
	kv             KeyValueStore
	installationId InstallationId

	aead cipher.AEAD

	writeLock sync.Mutex
}

func NewEncryptedStore(kv KeyValueStore, installationId InstallationId, key []byte) (*EncryptedStore, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key required")
	}

	subKey := make([]byte, chacha20poly1305.KeySize)
	h := hkdf.New(sha256.New, key, installationId.Bytes(), keyCheckValue)
	if _, err := io.ReadFull(h, subKey); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(subKey)
	if err != nil {
		return nil, err
	}

	store := &EncryptedStore{
		kv:             kv,
		installationId: installationId,
		aead:           aead,
	}

	// the canary is checked before any data is returned, so a key mismatch
	// surfaces here and never as partial or garbage reads
	if err := store.checkKey(); err != nil {
		return nil, err
	}

	return store, nil
}

func (self *EncryptedStore) checkKey() error {
	sealed, ok, err := self.kv.Get(tableMeta, self.scopedKey(keyCheckKey))
	if err != nil {
		return err
	}
	if !ok {
		// first open for this installation
		return self.Put(tableMeta, keyCheckKey, keyCheckValue)
	}
	plain, err := self.open(sealed)
	if err != nil {
		return newDecryptionError(self.installationId, err)
	}
	if string(plain) != string(keyCheckValue) {
		return newDecryptionError(self.installationId, errors.New("key check mismatch"))
	}
	return nil
}

// keys are scoped to the installation so that multiple installations can
// share one physical medium
func (self *EncryptedStore) scopedKey(key []byte) []byte {
	scoped := make([]byte, 0, 32+len(key))
	scoped = append(scoped, self.installationId.Bytes()...)
	scoped = append(scoped, key...)
	return scoped
}

func (self *EncryptedStore) seal(plain []byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	sealed := self.aead.Seal(nil, nonce, plain, nil)
	return append(nonce, sealed...)
}

func (self *EncryptedStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("sealed value too short: %d", len(sealed))
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	return self.aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSize:], nil)
}

func (self *EncryptedStore) Get(table string, key []byte) ([]byte, bool, error) {
	sealed, ok, err := self.kv.Get(table, self.scopedKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	plain, err := self.open(sealed)
	if err != nil {
		return nil, false, newDecryptionError(self.installationId, err)
	}
	return plain, true, nil
}

func (self *EncryptedStore) Put(table string, key []byte, value []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	return self.kv.Put(table, self.scopedKey(key), self.seal(value))
}

func (self *EncryptedStore) Delete(table string, key []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	return self.kv.Delete(table, self.scopedKey(key))
}

func (self *EncryptedStore) Scan(table string, prefix []byte, visit func(key []byte, value []byte) error) error {
	scopedPrefix := self.scopedKey(prefix)
	return self.kv.Scan(table, scopedPrefix, func(key []byte, sealed []byte) error {
		plain, err := self.open(sealed)
		if err != nil {
			return newDecryptionError(self.installationId, err)
		}
		// strip the installation scope
		return visit(key[32:], plain)
	})
}

func (self *EncryptedStore) Close() error {
	return self.kv.Close()
}
