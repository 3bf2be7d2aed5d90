package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/keyvault/krypto"
)

var (
	// ErrTokenInvalid covers malformed tokens and bad signatures.
	ErrTokenInvalid = errors.New("auth: invalid session token")
	// ErrTokenExpired is a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("auth: session token expired")
)

// minTokenSecret is the shortest HMAC secret accepted for HS256.
const minTokenSecret = 32

// TokenConfig configures the session token issuer.
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Leeway time.Duration
}

// Claims is the payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies stateless HS256 session tokens. A valid
// token proves a prior login; it says nothing about whether the vault is
// currently unlocked.
type TokenIssuer struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) < minTokenSecret {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minTokenSecret)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token leeway must be between 0 and 2m")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	if cfg.Issuer == "" {
		cfg.Issuer = "keyvault"
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	cfg.Secret = secret

	return &TokenIssuer{cfg: cfg, now: time.Now}, nil
}

const signingKeyInfo = "session-token-v1"

// SigningKey turns the configured secret into an HS256 key. An empty secret
// yields a random per-process key, so every token dies with the process.
func SigningKey(secret string) ([]byte, error) {
	if secret == "" {
		key := make([]byte, minTokenSecret)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		return key, nil
	}
	if len(secret) < minTokenSecret {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minTokenSecret)
	}
	return krypto.HKDFSHA256([]byte(secret), nil, []byte(signingKeyInfo), minTokenSecret)
}

// TTL is the lifetime of issued tokens.
func (i *TokenIssuer) TTL() time.Duration { return i.cfg.TTL }

// Issue signs a token for subject with issued-at and expiry claims.
func (i *TokenIssuer) Issue(subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.cfg.TTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry and returns the claims.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) { return i.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.cfg.Leeway),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case !parsed.Valid || claims.Subject == "":
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
