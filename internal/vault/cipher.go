package vault

import (
	"context"
	"fmt"

	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// Cipher encrypts and decrypts record fields under whatever key the key store
// currently holds. It never caches the key.
type Cipher struct {
	keys *keystore.Store
	db   *db.DB
}

// NewCipher binds a cipher to a key store and the database whose salt the
// held key must match.
func NewCipher(keys *keystore.Store, d *db.DB) *Cipher {
	return &Cipher{keys: keys, db: d}
}

// FieldKey seals and opens fields with the key pinned by Cipher.Do. It is
// only valid inside the Do callback.
type FieldKey struct {
	key []byte
}

// Seal encrypts a field value. An empty value yields an empty blob.
func (k FieldKey) Seal(plaintext string) ([]byte, error) {
	blob, err := krypto.Seal(k.key, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("encrypt field: %w", err)
	}
	return blob, nil
}

// Open decrypts a field blob. Tampering or a wrong key yields krypto.ErrIntegrity.
func (k FieldKey) Open(blob []byte) (string, error) {
	plain, err := krypto.Open(k.key, blob)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	s := string(plain)
	wipe(plain)
	return s, nil
}

// Do pins the current key for the whole of fn and runs fn in one
// transaction. Before fn runs, the transaction checks that the held key was
// derived from the salt now stored; the transaction's write lock keeps
// another process from rotating until it ends. So a blob read inside fn is
// always opened with the key it was sealed under, and nothing is sealed under
// a superseded key.
//
// A locked store yields keystore.ErrVaultLocked without calling fn. A key made
// stale by a rotation elsewhere is cleared and also yields ErrVaultLocked.
func (c *Cipher) Do(ctx context.Context, fn func(tx *db.Tx, k FieldKey) error) error {
	stale := false
	var staleTag string
	err := c.keys.WithTag(func(key []byte, tag string) error {
		return db.WithTx(ctx, c.db, func(tx *db.Tx) error {
			current, err := storedSaltTag(ctx, tx)
			if err != nil {
				return err
			}
			if current != tag {
				stale, staleTag = true, tag
				return fmt.Errorf("%w: key predates the stored salt", keystore.ErrVaultLocked)
			}
			return fn(tx, FieldKey{key: key})
		})
	})
	if stale {
		// The read lock is released by now; clearing needs the write lock.
		c.keys.ClearIf(staleTag)
	}
	return err
}

func storedSaltTag(ctx context.Context, c db.Conn) (string, error) {
	v, ok, err := db.GetConfig(ctx, c, KeyEncryptionSalt)
	if err != nil || !ok {
		return "", err
	}
	salt, err := DecodeSalt(v)
	if err != nil {
		return "", err
	}
	return SaltTag(salt), nil
}

// Encrypt seals one value.
func (c *Cipher) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	var blob []byte
	err := c.Do(ctx, func(_ *db.Tx, k FieldKey) error {
		var err error
		blob, err = k.Seal(plaintext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Decrypt opens one blob.
func (c *Cipher) Decrypt(ctx context.Context, blob []byte) (string, error) {
	var out string
	err := c.Do(ctx, func(_ *db.Tx, k FieldKey) error {
		var err error
		out, err = k.Open(blob)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Rekey opens blob under oldKey and seals the plaintext under newKey. Empty
// blobs stay empty.
func Rekey(oldKey, newKey, blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return []byte{}, nil
	}
	plain, err := krypto.Open(oldKey, blob)
	if err != nil {
		return nil, err
	}
	defer wipe(plain)

	return krypto.Seal(newKey, plain)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
