package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// Keys of the vault_config table.
const (
	KeyPasswordHash   = "password_hash"
	KeyEncryptionSalt = "encryption_salt"
	KeyInitialized    = "initialized"

	initializedMarker = "true"
)

// ErrIncompleteConfig means the vault is flagged initialized but the hash or
// salt entry is missing or unreadable.
var ErrIncompleteConfig = errors.New("vault config incomplete")

// Config is the persisted VaultConfig. The derived key is never part of it.
type Config struct {
	PasswordHash string
	Salt         []byte
	Initialized  bool
}

// IsInitialized reports whether the initialized marker is set.
func IsInitialized(ctx context.Context, c db.Conn) (bool, error) {
	v, ok, err := db.GetConfig(ctx, c, KeyInitialized)
	if err != nil {
		return false, err
	}
	return ok && strings.EqualFold(strings.TrimSpace(v), initializedMarker), nil
}

// LoadConfig reads all three entries. An uninitialized vault yields a zero
// Config and no error; an initialized vault missing its hash or salt yields
// ErrIncompleteConfig.
func LoadConfig(ctx context.Context, c db.Conn) (Config, error) {
	values, err := db.GetConfigs(ctx, c, KeyPasswordHash, KeyEncryptionSalt, KeyInitialized)
	if err != nil {
		return Config{}, fmt.Errorf("load vault config: %w", err)
	}

	var cfg Config
	cfg.Initialized = strings.EqualFold(strings.TrimSpace(values[KeyInitialized]), initializedMarker)
	if !cfg.Initialized {
		return Config{}, nil
	}

	cfg.PasswordHash = values[KeyPasswordHash]
	if cfg.PasswordHash == "" {
		return Config{}, fmt.Errorf("%w: missing %s", ErrIncompleteConfig, KeyPasswordHash)
	}
	cfg.Salt, err = DecodeSalt(values[KeyEncryptionSalt])
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes the hash, the salt and the initialized marker. Pass a *db.Tx
// to make the three writes atomic.
func SaveConfig(ctx context.Context, c db.Conn, hash string, salt []byte) error {
	values, err := credentialValues(hash, salt)
	if err != nil {
		return err
	}
	values[KeyInitialized] = initializedMarker
	if err := db.PutConfigs(ctx, c, values); err != nil {
		return fmt.Errorf("save vault config: %w", err)
	}
	return nil
}

// SaveCredentials rewrites only the hash and salt, as rotation does.
func SaveCredentials(ctx context.Context, c db.Conn, hash string, salt []byte) error {
	values, err := credentialValues(hash, salt)
	if err != nil {
		return err
	}
	if err := db.PutConfigs(ctx, c, values); err != nil {
		return fmt.Errorf("save vault config: %w", err)
	}
	return nil
}

// SaveHash replaces the login hash alone. The salt, and so the key, are
// unchanged.
func SaveHash(ctx context.Context, c db.Conn, hash string) error {
	if hash == "" {
		return errors.New("password hash is required")
	}
	if err := db.PutConfig(ctx, c, KeyPasswordHash, hash); err != nil {
		return fmt.Errorf("save vault config: %w", err)
	}
	return nil
}

func credentialValues(hash string, salt []byte) (map[string]string, error) {
	if hash == "" {
		return nil, errors.New("password hash is required")
	}
	if len(salt) != krypto.SaltLengthBytes {
		return nil, fmt.Errorf("encryption salt must be %d bytes", krypto.SaltLengthBytes)
	}
	return map[string]string{
		KeyPasswordHash:   hash,
		KeyEncryptionSalt: EncodeSalt(salt),
	}, nil
}

// SaltTag fingerprints a salt so a held key can be matched to the salt it was
// derived from. The salt is not secret; the tag only avoids keeping a copy.
func SaltTag(salt []byte) string {
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:])
}

// EncodeSalt is the storage form of the KDF salt.
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

// DecodeSalt parses and length-checks a stored salt.
func DecodeSalt(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrIncompleteConfig, KeyEncryptionSalt)
	}
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrIncompleteConfig, err)
	}
	if len(salt) != krypto.SaltLengthBytes {
		return nil, fmt.Errorf("%w: salt is %d bytes", ErrIncompleteConfig, len(salt))
	}
	return salt, nil
}
