package krypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// SaltLengthBytes is the length of the per-vault encryption salt.
const SaltLengthBytes = 16

// ScryptParams captures tunable parameters for the at-rest key derivation.
// They are deliberately unrelated to the login hash parameters.
type ScryptParams struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// DefaultScryptParams returns N=2^14, r=8, p=1 producing a 256-bit key.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{
		N:      1 << 14,
		R:      8,
		P:      1,
		KeyLen: KeySize,
	}
}

// DeriveKeyScrypt derives the vault encryption key from the master password
// and the stored salt. The same inputs always produce the same key.
func DeriveKeyScrypt(password, salt []byte, p ScryptParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if len(salt) != SaltLengthBytes {
		return nil, fmt.Errorf("salt must be %d bytes", SaltLengthBytes)
	}
	if p.KeyLen != KeySize {
		return nil, fmt.Errorf("%w (requested %d)", ErrKeyLength, p.KeyLen)
	}
	if p.N <= 1 || p.N&(p.N-1) != 0 {
		return nil, errors.New("scrypt N must be a power of two greater than 1")
	}

	key, err := scrypt.Key(password, salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

// NewRandomSalt returns a cryptographically secure SaltLengthBytes salt.
func NewRandomSalt() ([]byte, error) {
	salt := make([]byte, SaltLengthBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
