// Package service owns the master-key lifecycle: setup, login, lock,
// master-password rotation and the two-gate authorization check. It is the
// only code that decides when the session key is created or destroyed.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/keyvault/auth"
	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/internal/pool"
	"github.com/Hussein-Mazeh/keyvault/internal/vault"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// TokenSubject is the subject of every session token; there is one master.
const TokenSubject = "master"

// Options configures a Service. Tokens is required; zero values elsewhere
// fall back to defaults.
type Options struct {
	Argon2 auth.Argon2Params
	Scrypt krypto.ScryptParams
	Policy auth.Policy
	// Breach, when set, rejects master passwords found in public breaches.
	// Lookup failures are logged and ignored.
	Breach auth.BreachChecker
	Tokens *auth.TokenIssuer
	Pool   *pool.Pool
	Logger zerolog.Logger
}

// Service exposes high-level vault operations for the HTTP server, the CLI
// and the backup job.
type Service struct {
	db     *db.DB
	keys   *keystore.Store
	cipher *vault.Cipher
	hasher *auth.Argon2Hasher
	scrypt krypto.ScryptParams
	policy auth.Policy
	breach auth.BreachChecker
	tokens *auth.TokenIssuer
	pool   *pool.Pool
	log    zerolog.Logger

	// transition serialises setup, login and rotation so a login that
	// verified against the old hash can never install its key after a
	// rotation committed.
	transition sync.Mutex

	dummyOnce sync.Once
	dummyHash string
}

// Status is the public, unauthenticated view of the vault.
type Status struct {
	Initialized bool `json:"is_initialized"`
	Locked      bool `json:"is_locked"`
}

// Session is what a successful login hands back.
type Session struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// New wires a Service over an opened, migrated database and a key store.
func New(d *db.DB, keys *keystore.Store, opts Options) (*Service, error) {
	if d == nil {
		return nil, errors.New("database is required")
	}
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token issuer is required")
	}
	if opts.Argon2 == (auth.Argon2Params{}) {
		opts.Argon2 = auth.DefaultArgon2Params()
	}
	if opts.Scrypt == (krypto.ScryptParams{}) {
		opts.Scrypt = krypto.DefaultScryptParams()
	}
	if opts.Policy == (auth.Policy{}) {
		opts.Policy = auth.DefaultPolicy()
	}
	if opts.Pool == nil {
		opts.Pool = pool.New(0)
	}

	hasher, err := auth.NewArgon2Hasher(opts.Argon2)
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	return &Service{
		db:     d,
		keys:   keys,
		cipher: vault.NewCipher(keys, d),
		hasher: hasher,
		scrypt: opts.Scrypt,
		policy: opts.Policy,
		breach: opts.Breach,
		tokens: opts.Tokens,
		pool:   opts.Pool,
		log:    opts.Logger.With().Str("component", "vault").Logger(),
	}, nil
}

// Cipher is the field cipher bound to this service's key store.
func (s *Service) Cipher() *vault.Cipher { return s.cipher }

// IsInitialized reports whether setup has completed.
func (s *Service) IsInitialized(ctx context.Context) (bool, error) {
	return vault.IsInitialized(ctx, s.db)
}

// Status reports initialization and lock state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	init, err := s.IsInitialized(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Initialized: init, Locked: s.keys.Locked()}, nil
}

// CheckConfirmation compares a new password with its confirmation.
func CheckConfirmation(password, confirm string) error {
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

// Setup creates the master password on an uninitialized vault and leaves it
// unlocked.
func (s *Service) Setup(ctx context.Context, password string) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	init, err := vault.IsInitialized(ctx, s.db)
	if err != nil {
		return err
	}
	if init {
		return ErrAlreadyInitialized
	}
	if err := s.validateNewPassword(ctx, password); err != nil {
		return err
	}

	salt, err := krypto.NewRandomSalt()
	if err != nil {
		return err
	}
	hash, err := s.hash(ctx, password)
	if err != nil {
		return err
	}
	key, err := s.deriveKey(ctx, password, salt)
	if err != nil {
		return err
	}

	err = db.WithTx(ctx, s.db, func(tx *db.Tx) error {
		init, err := vault.IsInitialized(ctx, tx)
		if err != nil {
			return err
		}
		if init {
			return ErrAlreadyInitialized
		}
		return vault.SaveConfig(ctx, tx, hash, salt)
	})
	if err != nil {
		wipe(key)
		return err
	}

	if err := s.keys.Set(key, vault.SaltTag(salt)); err != nil {
		return err
	}
	s.log.Info().Msg("vault initialized")
	return nil
}

// Login checks the master password, re-derives the key and issues a session
// token. A wrong password and an uninitialized vault both return
// ErrAuthentication after a full hash verification.
func (s *Service) Login(ctx context.Context, password string) (Session, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	cfg, err := vault.LoadConfig(ctx, s.db)
	if err != nil {
		return Session{}, err
	}
	if !cfg.Initialized {
		s.burnVerify(ctx, password)
		s.log.Warn().Msg("login failed")
		return Session{}, ErrAuthentication
	}

	ok, err := s.verify(ctx, password, cfg.PasswordHash)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		s.log.Warn().Msg("login failed")
		return Session{}, ErrAuthentication
	}
	s.upgradeHash(ctx, password, cfg.PasswordHash)

	key, err := s.deriveKey(ctx, password, cfg.Salt)
	if err != nil {
		return Session{}, err
	}
	if err := s.keys.Set(key, vault.SaltTag(cfg.Salt)); err != nil {
		return Session{}, err
	}

	token, exp, err := s.tokens.Issue(TokenSubject)
	if err != nil {
		return Session{}, err
	}
	s.log.Info().Time("expires_at", exp).Msg("login succeeded")
	return Session{Token: token, ExpiresAt: exp, ExpiresIn: s.tokens.TTL()}, nil
}

// Logout forgets the key. Outstanding tokens stay signed but fail the key gate.
func (s *Service) Logout() {
	s.keys.Clear()
	s.log.Info().Msg("logged out")
}

// Lock forgets the key without touching the session token.
func (s *Service) Lock() {
	s.keys.Clear()
	s.log.Info().Msg("vault locked")
}

// VerifyMasterPassword reports whether password matches the stored hash.
// It does not change the lock state.
func (s *Service) VerifyMasterPassword(ctx context.Context, password string) (bool, error) {
	cfg, err := vault.LoadConfig(ctx, s.db)
	if err != nil {
		return false, err
	}
	if !cfg.Initialized {
		s.burnVerify(ctx, password)
		return false, nil
	}
	return s.verify(ctx, password, cfg.PasswordHash)
}

// Authorize is the gate for every key-dependent operation: the token must
// verify and the key store must hold a key. A good token on a locked vault
// yields keystore.ErrVaultLocked.
func (s *Service) Authorize(token string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if s.keys.Locked() {
		return nil, keystore.ErrVaultLocked
	}
	return claims, nil
}

// VerifyToken checks only the token gate, for logout and lock.
func (s *Service) VerifyToken(token string) (*auth.Claims, error) {
	return s.tokens.Verify(token)
}

func (s *Service) validateNewPassword(ctx context.Context, password string) error {
	if err := s.policy.ValidateMasterPassword(password); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if s.breach == nil {
		return nil
	}

	res, err := s.breach.Check(ctx, password)
	if err != nil {
		s.log.Warn().Err(err).Msg("breach check unavailable, skipping")
		return nil
	}
	if res.Found {
		return validationf("password appears in %d known breaches", res.Count)
	}
	return nil
}

func (s *Service) hash(ctx context.Context, password string) (string, error) {
	h, err := pool.Do(ctx, s.pool, func() (string, error) {
		return s.hasher.Hash(password)
	})
	if err != nil {
		return "", fmt.Errorf("hash master password: %w", err)
	}
	return h, nil
}

func (s *Service) verify(ctx context.Context, password, encoded string) (bool, error) {
	ok, err := pool.Do(ctx, s.pool, func() (bool, error) {
		return s.hasher.Verify(password, encoded)
	})
	if err != nil {
		return false, fmt.Errorf("verify master password: %w", err)
	}
	return ok, nil
}

func (s *Service) deriveKey(ctx context.Context, password string, salt []byte) ([]byte, error) {
	key, err := pool.Do(ctx, s.pool, func() ([]byte, error) {
		pw := []byte(password)
		defer wipe(pw)
		return krypto.DeriveKeyScrypt(pw, salt, s.scrypt)
	})
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}

// upgradeHash re-hashes with the configured parameters when the stored hash
// is weaker. Only the login hash changes; the salt and key stay. Failures are
// logged and the login proceeds.
func (s *Service) upgradeHash(ctx context.Context, password, encoded string) {
	needs, err := s.hasher.NeedsRehash(encoded)
	if err != nil || !needs {
		return
	}
	hash, err := s.hash(ctx, password)
	if err == nil {
		err = vault.SaveHash(ctx, s.db, hash)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("password hash upgrade failed")
		return
	}
	s.log.Info().Msg("password hash upgraded")
}

// burnVerify spends the same hashing cost as a real verification so a
// missing vault does not answer faster than a wrong password.
func (s *Service) burnVerify(ctx context.Context, password string) {
	s.dummyOnce.Do(func() {
		h, err := s.hash(ctx, "keyvault-placeholder")
		if err == nil {
			s.dummyHash = h
		}
	})
	if s.dummyHash != "" {
		_, _ = s.verify(ctx, password, s.dummyHash)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
