package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/vault"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// ChangePassword rotates the master password and re-keys every live
// account's secrets.
//
// Behavior:
//  1. Verifies current and validates next against the password policy.
//  2. Derives the old key from the stored salt and a new key from a fresh salt.
//  3. Holding the key store's write lock, re-encrypts each non-empty blob of
//     every non-deleted account and rewrites password_hash/encryption_salt,
//     all in one SQLite transaction.
//  4. Installs the new key only after the commit.
//
// Any failure rolls the transaction back and leaves the stored config, the
// records and the held key exactly as they were. Soft-deleted accounts keep
// blobs under the previous key.
func (s *Service) ChangePassword(ctx context.Context, current, next string) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	cfg, err := vault.LoadConfig(ctx, s.db)
	if err != nil {
		return err
	}
	if !cfg.Initialized {
		return ErrNotInitialized
	}

	ok, err := s.verify(ctx, current, cfg.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn().Msg("password change rejected")
		return ErrAuthentication
	}
	if err := s.validateNewPassword(ctx, next); err != nil {
		return err
	}

	oldKey, err := s.deriveKey(ctx, current, cfg.Salt)
	if err != nil {
		return err
	}
	defer wipe(oldKey)

	newSalt, err := krypto.NewRandomSalt()
	if err != nil {
		return err
	}
	newKey, err := s.deriveKey(ctx, next, newSalt)
	if err != nil {
		return err
	}
	defer wipe(newKey)

	newHash, err := s.hash(ctx, next)
	if err != nil {
		return err
	}

	s.log.Info().Msg("password rotation started")

	var rekeyed int
	err = s.keys.Replace(func() ([]byte, string, error) {
		n, err := rekeyAll(ctx, s.db, cfg.Salt, oldKey, newKey, newHash, newSalt)
		if err != nil {
			return nil, "", err
		}
		rekeyed = n
		out := make([]byte, len(newKey))
		copy(out, newKey)
		return out, vault.SaltTag(newSalt), nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("password rotation rolled back")
		return fmt.Errorf("rotate master password: %w", err)
	}

	s.log.Info().Int("accounts", rekeyed).Msg("password rotation finished")
	return nil
}

// rekeyAll rewrites every live account's blobs and the stored credentials in
// a single transaction and returns how many accounts it touched. It refuses
// to run when the stored salt is no longer oldSalt, which means another
// process rotated after the current password was verified.
func rekeyAll(ctx context.Context, d *db.DB, oldSalt, oldKey, newKey []byte, newHash string, newSalt []byte) (int, error) {
	var count int
	err := db.WithTx(ctx, d, func(tx *db.Tx) error {
		cfg, err := vault.LoadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if !bytes.Equal(cfg.Salt, oldSalt) {
			return fmt.Errorf("%w: master password changed during rotation", ErrAuthentication)
		}

		rows, err := db.ListAccounts(ctx, tx, false)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if len(row.PasswordEncrypted) == 0 && len(row.TOTPSecretEncrypted) == 0 {
				continue
			}
			pw, err := vault.Rekey(oldKey, newKey, row.PasswordEncrypted)
			if err != nil {
				return fmt.Errorf("re-encrypt password of account %s: %w", row.ID, err)
			}
			totp, err := vault.Rekey(oldKey, newKey, row.TOTPSecretEncrypted)
			if err != nil {
				return fmt.Errorf("re-encrypt totp secret of account %s: %w", row.ID, err)
			}
			if err := db.UpdateAccountSecrets(ctx, tx, row.ID, pw, totp); err != nil {
				return err
			}
			count++
		}

		return vault.SaveCredentials(ctx, tx, newHash, newSalt)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
