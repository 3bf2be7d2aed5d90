// Package keystore holds the single live vault encryption key for the process.
//
// The key is kept in a memguard Enclave: encrypted at rest in process memory
// and only decrypted into an mlocked buffer for the duration of a With call.
// Plaintext buffers opened by With are destroyed when the callback returns.
// Replacing or clearing the key only drops the reference to the old enclave:
// its ciphertext, sealed under memguard's per-process key, is left to the
// garbage collector and is not wiped. Copies returned by Get are the caller's
// to wipe. This is best-effort hygiene; it cannot undo copies the runtime or
// the crypto/aes key schedule may have made.
//
// Every key carries a tag naming what it was derived from (the vault salt).
// Callers compare it with the persisted salt to detect a key made stale by a
// rotation in another process.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// ErrVaultLocked means no key is held. It is distinct from an authentication
// failure: the caller must re-authenticate to re-derive the key.
var ErrVaultLocked = errors.New("vault is locked")

// Store is safe for concurrent use. Readers (With, Get, Locked) share the
// lock; Set, Clear and Replace exclude everyone.
type Store struct {
	mu  sync.RWMutex
	key *memguard.Enclave
	tag string
}

// New returns an empty, locked store.
func New() *Store {
	return &Store{}
}

// Set installs key with its tag, replacing any previous one. The caller's
// slice is wiped.
func (s *Store) Set(key []byte, tag string) error {
	if len(key) != krypto.KeySize {
		memguard.WipeBytes(key)
		return fmt.Errorf("%w (got %d)", krypto.ErrKeyLength, len(key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.tag = memguard.NewEnclave(key), tag
	return nil
}

// Clear forgets the key. Clearing an empty store is a no-op.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.tag = nil, ""
}

// ClearIf forgets the key only if it still carries tag, so a key installed
// after a stale one was detected survives. It reports whether it cleared.
func (s *Store) ClearIf(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil || s.tag != tag {
		return false
	}
	s.key, s.tag = nil, ""
	return true
}

// Locked reports whether no key is held.
func (s *Store) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key == nil
}

// With calls fn with the plaintext key while holding the read lock. The
// slice is only valid inside fn and is wiped when fn returns.
func (s *Store) With(fn func(key []byte) error) error {
	return s.WithTag(func(key []byte, _ string) error { return fn(key) })
}

// WithTag is With that also passes the key's tag, read under the same lock.
func (s *Store) WithTag(fn func(key []byte, tag string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrVaultLocked
	}

	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes(), s.tag)
}

// Get returns a copy of the key or ErrVaultLocked. Prefer With; the caller
// owns the copy and should wipe it.
func (s *Store) Get() ([]byte, error) {
	var out []byte
	err := s.With(func(key []byte) error {
		out = make([]byte, len(key))
		copy(out, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replace holds the write lock while fn runs and installs the key and tag fn
// returns. Concurrent readers either finish before fn starts or wait until
// Replace returns. If fn fails the current key (or locked state) is kept.
func (s *Store) Replace(fn func() ([]byte, string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, tag, err := fn()
	if err != nil {
		memguard.WipeBytes(key)
		return err
	}
	if len(key) != krypto.KeySize {
		memguard.WipeBytes(key)
		return fmt.Errorf("%w (got %d)", krypto.ErrKeyLength, len(key))
	}
	s.key, s.tag = memguard.NewEnclave(key), tag
	return nil
}
