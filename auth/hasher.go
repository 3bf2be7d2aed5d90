package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonAlgorithm           = "argon2id"
	minArgonMemoryKiB uint32 = 8 * 1024
	minArgonSaltLen   uint32 = 16
	minArgonKeyLen    uint32 = 16
)

// ErrMalformedHash reports a stored hash that cannot be parsed. It is
// distinct from a password mismatch, which is (false, nil).
var ErrMalformedHash = errors.New("auth: malformed password hash")

// Argon2Params captures tunable parameters for the login hash.
type Argon2Params struct {
	MemoryKiB   uint32
	Time        uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params returns 64 MiB, 3 iterations, 4 lanes, 16-byte salt, 32-byte hash.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryKiB:   64 * 1024,
		Time:        3,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// Argon2Hasher hashes and verifies the master password. Its output is only
// ever used to authenticate logins, never as key material.
type Argon2Hasher struct {
	params Argon2Params
}

// NewArgon2Hasher validates p and returns a hasher.
func NewArgon2Hasher(p Argon2Params) (*Argon2Hasher, error) {
	switch {
	case p.MemoryKiB < minArgonMemoryKiB:
		return nil, fmt.Errorf("argon2 memory must be >= %d KiB", minArgonMemoryKiB)
	case p.Time < 1:
		return nil, errors.New("argon2 time must be >= 1")
	case p.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case p.SaltLen < minArgonSaltLen:
		return nil, fmt.Errorf("argon2 salt length must be >= %d", minArgonSaltLen)
	case p.KeyLen < minArgonKeyLen:
		return nil, fmt.Errorf("argon2 key length must be >= %d", minArgonKeyLen)
	}
	return &Argon2Hasher{params: p}, nil
}

// Hash returns a self-describing PHC string with a fresh random salt, so two
// calls with the same password never return the same string.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate hash salt: %w", err)
	}

	sum := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLen)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonAlgorithm,
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify recomputes the hash with the parameters embedded in encoded and
// compares in constant time.
func (h *Argon2Hasher) Verify(password, encoded string) (bool, error) {
	phc, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	sum := argon2.IDKey([]byte(password), phc.salt, phc.time, phc.memory, phc.parallelism, uint32(len(phc.hash)))
	return subtle.ConstantTimeCompare(sum, phc.hash) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the hasher is configured for.
func (h *Argon2Hasher) NeedsRehash(encoded string) (bool, error) {
	phc, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return phc.memory < h.params.MemoryKiB ||
		phc.time < h.params.Time ||
		phc.parallelism < h.params.Parallelism ||
		uint32(len(phc.hash)) != h.params.KeyLen, nil
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argonAlgorithm {
		return nil, fmt.Errorf("%w: not an argon2id PHC string", ErrMalformedHash)
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}

	var out phcHash
	var seen int
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, kv)
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minArgonMemoryKiB {
				return nil, fmt.Errorf("%w: bad memory parameter", ErrMalformedHash)
			}
			out.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("%w: bad time parameter", ErrMalformedHash)
			}
			out.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("%w: bad parallelism parameter", ErrMalformedHash)
			}
			out.parallelism = uint8(v)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
		seen++
	}
	if seen != 3 || out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return nil, fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}

	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || uint32(len(out.salt)) < minArgonSaltLen {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if out.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || uint32(len(out.hash)) < minArgonKeyLen {
		return nil, fmt.Errorf("%w: bad digest", ErrMalformedHash)
	}
	return &out, nil
}
