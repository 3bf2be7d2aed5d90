package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/vault"
)

const maxEmailLen = 255

// AccountInput is the plaintext form of a new account.
type AccountInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	Note       string `json:"note"`
	Source     string `json:"source"`
}

// AccountUpdate is a partial update. A nil field is left as it is. An empty
// Password or TOTPSecret clears that secret to an empty blob.
type AccountUpdate struct {
	Email      *string `json:"email,omitempty"`
	Password   *string `json:"password,omitempty"`
	TOTPSecret *string `json:"totp_secret,omitempty"`
	Note       *string `json:"note,omitempty"`
	Source     *string `json:"source,omitempty"`
}

// Account is the metadata view of a stored account. It never carries
// plaintext secrets.
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Note        string    `json:"note"`
	Source      string    `json:"source"`
	HasPassword bool      `json:"has_password"`
	HasTOTP     bool      `json:"has_totp"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountSecrets is the decrypted form used by exports.
type AccountSecrets struct {
	Account
	Password   string
	TOTPSecret string
}

func toAccount(r db.AccountRow) Account {
	return Account{
		ID:          r.ID,
		Email:       r.Email,
		Note:        r.Note,
		Source:      r.Source,
		HasPassword: len(r.PasswordEncrypted) > 0,
		HasTOTP:     len(r.TOTPSecretEncrypted) > 0,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// CreateAccount encrypts the secrets under the current key and stores the row.
func (s *Service) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := validateEmail(in.Email); err != nil {
		return Account{}, err
	}

	row := &db.AccountRow{
		ID:     uuid.NewString(),
		Email:  in.Email,
		Note:   in.Note,
		Source: strings.TrimSpace(in.Source),
	}
	err := s.cipher.Do(ctx, func(tx *db.Tx, k vault.FieldKey) error {
		var err error
		if row.PasswordEncrypted, err = k.Seal(in.Password); err != nil {
			return err
		}
		if row.TOTPSecretEncrypted, err = k.Seal(in.TOTPSecret); err != nil {
			return err
		}
		return db.InsertAccount(ctx, tx, row)
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateEmail) {
			return Account{}, fmt.Errorf("%w: %s", ErrConflict, in.Email)
		}
		return Account{}, err
	}

	s.log.Debug().Str("account_id", row.ID).Msg("account created")
	return toAccount(*row), nil
}

// UpdateAccount applies a partial update to a live account. Changed secrets
// are sealed under the current key in the same transaction that writes them.
func (s *Service) UpdateAccount(ctx context.Context, id string, in AccountUpdate) (Account, error) {
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if err := validateEmail(email); err != nil {
			return Account{}, err
		}
		in.Email = &email
	}

	var out *db.AccountRow
	err := s.cipher.Do(ctx, func(tx *db.Tx, k vault.FieldKey) error {
		row, err := liveAccount(ctx, tx, id)
		if err != nil {
			return err
		}

		if in.Password != nil || in.TOTPSecret != nil {
			pw, totp := row.PasswordEncrypted, row.TOTPSecretEncrypted
			if in.Password != nil {
				if pw, err = k.Seal(*in.Password); err != nil {
					return err
				}
			}
			if in.TOTPSecret != nil {
				if totp, err = k.Seal(*in.TOTPSecret); err != nil {
					return err
				}
			}
			if err := db.UpdateAccountSecrets(ctx, tx, id, pw, totp); err != nil {
				return err
			}
		}

		if in.Email != nil || in.Note != nil || in.Source != nil {
			email, note, source := row.Email, row.Note, row.Source
			if in.Email != nil {
				email = *in.Email
			}
			if in.Note != nil {
				note = *in.Note
			}
			if in.Source != nil {
				if source = strings.TrimSpace(*in.Source); source == "" {
					source = "manual"
				}
			}
			if err := db.UpdateAccountMetadata(ctx, tx, id, email, note, source); err != nil {
				return err
			}
		}

		out, err = db.GetAccount(ctx, tx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateEmail) {
			return Account{}, fmt.Errorf("%w: %s", ErrConflict, *in.Email)
		}
		return Account{}, err
	}

	s.log.Debug().Str("account_id", id).Msg("account updated")
	return toAccount(*out), nil
}

// ListAccounts returns metadata for every live account. Nothing is decrypted.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.ListAccounts(ctx, s.db, false)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAccount(r))
	}
	return out, nil
}

// RevealPassword decrypts the stored password of a live account.
func (s *Service) RevealPassword(ctx context.Context, id string) (string, error) {
	return s.reveal(ctx, id, func(r *db.AccountRow) []byte { return r.PasswordEncrypted })
}

// RevealTOTP decrypts the stored TOTP secret of a live account.
func (s *Service) RevealTOTP(ctx context.Context, id string) (string, error) {
	return s.reveal(ctx, id, func(r *db.AccountRow) []byte { return r.TOTPSecretEncrypted })
}

func (s *Service) reveal(ctx context.Context, id string, field func(*db.AccountRow) []byte) (string, error) {
	var out string
	err := s.cipher.Do(ctx, func(tx *db.Tx, k vault.FieldKey) error {
		row, err := liveAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = k.Open(field(row))
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// DeleteAccount soft-deletes a live account.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	if err := db.SoftDeleteAccount(ctx, s.db, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.log.Debug().Str("account_id", id).Msg("account deleted")
	return nil
}

// ExportAccounts returns every live account, with secrets decrypted when
// withSecrets is set. Any decrypt failure, a locked vault included, aborts
// the whole export.
func (s *Service) ExportAccounts(ctx context.Context, withSecrets bool) ([]AccountSecrets, error) {
	if !withSecrets {
		rows, err := db.ListAccounts(ctx, s.db, false)
		if err != nil {
			return nil, err
		}
		out := make([]AccountSecrets, 0, len(rows))
		for _, r := range rows {
			out = append(out, AccountSecrets{Account: toAccount(r)})
		}
		return out, nil
	}

	var out []AccountSecrets
	err := s.cipher.Do(ctx, func(tx *db.Tx, k vault.FieldKey) error {
		rows, err := db.ListAccounts(ctx, tx, false)
		if err != nil {
			return err
		}
		out = make([]AccountSecrets, 0, len(rows))
		for _, r := range rows {
			item := AccountSecrets{Account: toAccount(r)}
			if item.Password, err = k.Open(r.PasswordEncrypted); err != nil {
				return fmt.Errorf("account %s: %w", r.ID, err)
			}
			if item.TOTPSecret, err = k.Open(r.TOTPSecretEncrypted); err != nil {
				return fmt.Errorf("account %s: %w", r.ID, err)
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export accounts: %w", err)
	}
	return out, nil
}

func validateEmail(email string) error {
	switch {
	case email == "":
		return validationf("email is required")
	case utf8.RuneCountInString(email) > maxEmailLen:
		return validationf("email must be at most %d characters", maxEmailLen)
	case !strings.Contains(email, "@"):
		return validationf("email %q is not an address", email)
	}
	return nil
}

func liveAccount(ctx context.Context, c db.Conn, id string) (*db.AccountRow, error) {
	row, err := db.GetAccount(ctx, c, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && row.IsDeleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}
