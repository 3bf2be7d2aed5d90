package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the only accepted AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length prefixed to every blob.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// MinBlobSize is the shortest well-formed non-empty blob.
	MinBlobSize = NonceSize + TagSize
)

var (
	// ErrKeyLength reports a key that is not exactly KeySize bytes. It is a
	// programming error and must not be retried.
	ErrKeyLength = errors.New("krypto: aes-gcm requires a 32-byte key")
	// ErrIntegrity reports a blob that failed authentication: tampered,
	// truncated, or sealed under a different key.
	ErrIntegrity = errors.New("krypto: ciphertext failed authentication")
)

// Seal encrypts plaintext under key with AES-256-GCM and returns
// nonce(12) || ciphertext || tag(16). Empty plaintext maps to an empty blob.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return []byte{}, nil
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. An empty blob yields empty plaintext; anything that
// does not authenticate yields ErrIntegrity and never partial output.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return []byte{}, nil
	}
	if len(blob) < MinBlobSize {
		return nil, fmt.Errorf("%w: blob is %d bytes", ErrIntegrity, len(blob))
	}

	plaintext, err := gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
